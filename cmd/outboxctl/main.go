package main

import "github.com/Guizzs26/go-outbox-relay/cmd/outboxctl/cli"

func main() {
	cli.Execute()
}
