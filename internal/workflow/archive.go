// Package workflow reads the desired activation state of host workflows from
// solution archives, for the batch state executor to apply.
package workflow

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Guizzs26/go-outbox-relay/internal/models"

	"github.com/google/uuid"
)

// CustomizationsFile is the manifest that marks a zip as a solution archive
const CustomizationsFile = "customizations.xml"

type workflowElement struct {
	ID        string `xml:"WorkflowId,attr"`
	Name      string `xml:"Name,attr"`
	StateCode string `xml:"StateCode"`
}

// StatesFromArchives collects one state change per workflow declared in the
// solution archives under dir. Zips without a manifest are skipped, as are
// workflows whose id is not a UUID
func StatesFromArchives(dir string, l *slog.Logger) ([]models.StateChange, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var changes []models.StateChange
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(strings.ToLower(f.Name()), ".zip") {
			continue
		}
		path := filepath.Join(dir, f.Name())
		l.Info("Found solution archive", "path", path)

		found, err := statesFromArchive(path, l)
		if err != nil {
			return nil, err
		}
		changes = append(changes, found...)
	}
	return changes, nil
}

func statesFromArchive(path string, l *slog.Logger) ([]models.StateChange, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer zr.Close()

	var manifest *zip.File
	for _, zf := range zr.File {
		if strings.EqualFold(zf.Name, CustomizationsFile) {
			manifest = zf
			break
		}
	}
	if manifest == nil {
		l.Debug("Archive has no manifest, not a solution", "path", path)
		return nil, nil
	}

	rc, err := manifest.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s in %s: %w", CustomizationsFile, path, err)
	}
	defer rc.Close()

	elems, err := workflowElements(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s in %s: %w", CustomizationsFile, path, err)
	}

	changes := make([]models.StateChange, 0, len(elems))
	for _, w := range elems {
		id, err := uuid.Parse(strings.Trim(strings.TrimSpace(w.ID), "{}"))
		if err != nil {
			l.Warn("Skipping workflow with invalid id", "workflow_id", w.ID, "name", w.Name)
			continue
		}
		// StateCode 1 is activated; anything else, including a missing element, is draft
		active := strings.TrimSpace(w.StateCode) == "1"
		changes = append(changes, models.StateChange{TargetID: id.String(), Active: active, Name: w.Name})
		l.Debug("Workflow state read", "workflow_id", id, "name", w.Name, "state_code", w.StateCode)
	}
	return changes, nil
}

// workflowElements returns every Workflow element directly inside a Workflows element
func workflowElements(r io.Reader) ([]workflowElement, error) {
	dec := xml.NewDecoder(r)
	var stack []string
	var out []workflowElement

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "Workflow" && len(stack) > 0 && stack[len(stack)-1] == "Workflows" {
				var w workflowElement
				if err := dec.DecodeElement(&w, &t); err != nil {
					return nil, err
				}
				out = append(out, w)
				continue
			}
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
}
