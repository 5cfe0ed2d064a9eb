package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/mapper"
	"github.com/Guizzs26/go-outbox-relay/internal/models"
)

const (
	outboxTable    = "outbox_entries"
	notifyChannel  = "outbox_entry_created"
	defaultTimeout = 10 * time.Second
)

// entryScan binds a column projection to scan destinations on an Entry.
// Nullable text and the status code go through temporaries and are copied back by apply.
type entryScan struct {
	entry     *models.Entry
	dest      []any
	messageID *string
	status    int
}

func newEntryScan(cols []models.Column) (*entryScan, error) {
	s := &entryScan{entry: &models.Entry{}}
	for _, c := range cols {
		switch c {
		case models.ColumnID:
			s.dest = append(s.dest, &s.entry.ID)
		case models.ColumnRecordID:
			s.dest = append(s.dest, &s.entry.RecordID)
		case models.ColumnEntityName:
			s.dest = append(s.dest, &s.entry.EntityName)
		case models.ColumnName:
			s.dest = append(s.dest, &s.entry.Name)
		case models.ColumnSerializedContext:
			s.dest = append(s.dest, &s.entry.SerializedContext)
		case models.ColumnMessageID:
			s.dest = append(s.dest, &s.messageID)
		case models.ColumnSentOn:
			s.dest = append(s.dest, &s.entry.SentOn)
		case models.ColumnProcessedOn:
			s.dest = append(s.dest, &s.entry.ProcessedOn)
		case models.ColumnStatus:
			s.dest = append(s.dest, &s.status)
		case models.ColumnCreatedOn:
			s.dest = append(s.dest, &s.entry.CreatedOn)
		default:
			return nil, fmt.Errorf("unknown outbox column %q", c)
		}
	}
	return s, nil
}

func (s *entryScan) apply() models.Entry {
	if s.messageID != nil {
		s.entry.MessageID = strings.TrimSpace(*s.messageID)
	}
	if s.status != 0 {
		s.entry.Status = models.Status(s.status)
	}
	return *s.entry
}

func columnNames(cols []models.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = string(c)
	}
	return names
}

func projection(cols []models.Column) []models.Column {
	if len(cols) == 0 {
		return models.AllColumns
	}
	return cols
}

func filterConditions(f models.Filter) []mapper.Condition {
	var conds []mapper.Condition
	if f.RecordID != "" {
		conds = append(conds, mapper.Condition{Column: string(models.ColumnRecordID), Value: f.RecordID})
	}
	if f.Status != 0 {
		conds = append(conds, mapper.Condition{Column: string(models.ColumnStatus), Value: int(f.Status)})
	}
	return conds
}

// statusGuard restricts a status-changing update to rows that may advance to the new status.
func statusGuard(p models.Patch) []mapper.Condition {
	if p.Status == nil {
		return nil
	}
	prior := models.PriorStatuses(*p.Status)
	in := make([]any, len(prior))
	for i, s := range prior {
		in[i] = int(s)
	}
	return []mapper.Condition{{Column: string(models.ColumnStatus), In: in}}
}

func insertColumns(e *models.Entry) map[string]any {
	return map[string]any{
		string(models.ColumnID):                e.ID,
		string(models.ColumnRecordID):          e.RecordID,
		string(models.ColumnEntityName):        e.EntityName,
		string(models.ColumnName):              e.Name,
		string(models.ColumnSerializedContext): e.SerializedContext,
		string(models.ColumnStatus):            int(e.Status),
		string(models.ColumnCreatedOn):         e.CreatedOn,
	}
}
