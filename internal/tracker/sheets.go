package tracker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/timing-engine/internal/config"
	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/storage"
	"github.com/timing-engine/pkg/logger"
	"github.com/timing-engine/pkg/ratelimit"
)

// MirrorColumns defines the column headers for the Calendar sheet.
var MirrorColumns = []string{
	"Assignment ID",
	"Post ID",
	"User",
	"Platform",
	"Format",
	"Scheduled For",
	"Score",
	"Priority",
	"Status",
	"Status Reason",
	"Flags",
	"Schedule",
	"Posted At",
	"Updated At",
}

// CalendarMirror pushes the posting calendar into a Google Sheet so the
// plan stays visible to people who live in spreadsheets. The sheet is a
// one-way mirror: rows are keyed by assignment ID and rewritten on every
// sync, never read back into the engine.
type CalendarMirror struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	repo          storage.Repository
	limiter       *ratelimit.MultiLimiter
	log           *logger.Logger
}

// NewCalendarMirror creates the mirror. Returns (nil, nil) when disabled so
// callers can skip wiring without a separate flag check.
func NewCalendarMirror(cfg config.TrackerConfig, repo storage.Repository, limiter *ratelimit.MultiLimiter, log *logger.Logger) (*CalendarMirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("tracker enabled without a spreadsheet_id")
	}

	creds := []byte(cfg.ServiceAccountJSON)
	if len(creds) == 0 {
		if cfg.CredentialsFile == "" {
			return nil, fmt.Errorf("no Google credentials provided: set credentials_file or service_account_json")
		}
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		creds = data
	}

	ctx := context.Background()
	jwtCfg, err := google.JWTConfigFromJSON(creds, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account credentials: %w", err)
	}
	srv, err := sheets.NewService(ctx, option.WithTokenSource(jwtCfg.TokenSource(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	sheetName := cfg.SheetName
	if sheetName == "" {
		sheetName = "Calendar"
	}

	return &CalendarMirror{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     sheetName,
		repo:          repo,
		limiter:       limiter,
		log:           log.WithComponent("calendar-mirror"),
	}, nil
}

// EnsureSheet creates the sheet and headers if they don't exist.
func (m *CalendarMirror) EnsureSheet(ctx context.Context) error {
	if err := m.ensureSheetExists(ctx); err != nil {
		return err
	}

	readRange := fmt.Sprintf("%s!A1:N1", m.sheetName)
	if err := m.wait(ctx); err != nil {
		return err
	}
	resp, err := m.service.Spreadsheets.Values.Get(m.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read sheet: %w", err)
	}

	if len(resp.Values) == 0 {
		m.log.Info().Msg("Initializing calendar sheet with headers")
		return m.writeHeaders(ctx)
	}
	return nil
}

// Sync pushes the current calendar into the sheet: new assignments get
// appended in one batch, known ones get their row rewritten. Rows for
// assignments that left the horizon stay behind as history.
func (m *CalendarMirror) Sync(ctx context.Context) (added, updated int, err error) {
	if err := m.EnsureSheet(ctx); err != nil {
		return 0, 0, err
	}

	horizon := time.Now().UTC().AddDate(0, 0, -7)
	assignments, err := m.repo.ListAssignments(ctx, storage.AssignmentFilter{
		From:    &horizon,
		OrderBy: "scheduled_for",
		Limit:   500,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load calendar: %w", err)
	}
	if len(assignments) == 0 {
		return 0, 0, nil
	}

	existing, err := m.getExistingIDs(ctx)
	if err != nil {
		return 0, 0, err
	}

	scheduleIDs := make(map[uint]string)
	var newRows [][]interface{}
	for _, a := range assignments {
		row := m.assignmentRow(ctx, a, scheduleIDs)
		rowNum, known := existing[a.ID]
		if !known {
			newRows = append(newRows, row)
			continue
		}
		if err := m.updateRow(ctx, rowNum, row); err != nil {
			m.log.Warn().Err(err).Uint("assignment_id", a.ID).Msg("Failed to update calendar row")
			continue
		}
		updated++
	}

	if len(newRows) > 0 {
		if err := m.appendRows(ctx, newRows); err != nil {
			return 0, updated, err
		}
		added = len(newRows)
	}

	m.log.Info().Int("added", added).Int("updated", updated).Msg("Calendar mirrored to sheet")
	return added, updated, nil
}

// ensureSheetExists creates the sheet tab if it doesn't exist.
func (m *CalendarMirror) ensureSheetExists(ctx context.Context) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	spreadsheet, err := m.service.Spreadsheets.Get(m.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to get spreadsheet: %w", err)
	}

	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties.Title == m.sheetName {
			return nil
		}
	}

	m.log.Info().Str("sheet", m.sheetName).Msg("Creating calendar sheet")
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				AddSheet: &sheets.AddSheetRequest{
					Properties: &sheets.SheetProperties{
						Title: m.sheetName,
					},
				},
			},
		},
	}

	if err := m.wait(ctx); err != nil {
		return err
	}
	if _, err := m.service.Spreadsheets.BatchUpdate(m.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	return nil
}

func (m *CalendarMirror) writeHeaders(ctx context.Context) error {
	headerRow := make([]interface{}, 0, len(MirrorColumns))
	for _, col := range MirrorColumns {
		headerRow = append(headerRow, col)
	}

	writeRange := fmt.Sprintf("%s!A1", m.sheetName)
	valueRange := &sheets.ValueRange{Values: [][]interface{}{headerRow}}

	if err := m.wait(ctx); err != nil {
		return err
	}
	_, err := m.service.Spreadsheets.Values.Update(m.spreadsheetID, writeRange, valueRange).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	return nil
}

// getExistingIDs maps assignment IDs already in the sheet to their row
// number (1-indexed).
func (m *CalendarMirror) getExistingIDs(ctx context.Context) (map[uint]int, error) {
	readRange := fmt.Sprintf("%s!A:A", m.sheetName)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := m.service.Spreadsheets.Values.Get(m.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read assignment IDs: %w", err)
	}

	ids := make(map[uint]int)
	for i, row := range resp.Values {
		if i == 0 || len(row) == 0 {
			continue // header
		}
		var id uint
		fmt.Sscanf(fmt.Sprintf("%v", row[0]), "%d", &id)
		if id > 0 {
			ids[id] = i + 1
		}
	}
	return ids, nil
}

func (m *CalendarMirror) appendRows(ctx context.Context, rows [][]interface{}) error {
	appendRange := fmt.Sprintf("%s!A:N", m.sheetName)
	valueRange := &sheets.ValueRange{Values: rows}

	if err := m.wait(ctx); err != nil {
		return err
	}
	_, err := m.service.Spreadsheets.Values.Append(m.spreadsheetID, appendRange, valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append calendar rows: %w", err)
	}
	return nil
}

// updateRow rewrites one assignment's full row in place.
func (m *CalendarMirror) updateRow(ctx context.Context, rowNum int, row []interface{}) error {
	writeRange := fmt.Sprintf("%s!A%d:N%d", m.sheetName, rowNum, rowNum)
	valueRange := &sheets.ValueRange{Values: [][]interface{}{row}}

	if err := m.wait(ctx); err != nil {
		return err
	}
	_, err := m.service.Spreadsheets.Values.Update(m.spreadsheetID, writeRange, valueRange).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to update row %d: %w", rowNum, err)
	}
	return nil
}

// assignmentRow builds the sheet row for one assignment. Schedule public IDs
// are resolved through cache to avoid refetching per row.
func (m *CalendarMirror) assignmentRow(ctx context.Context, a *models.ScheduleAssignment, cache map[uint]string) []interface{} {
	flags := make([]string, 0, len(a.Violations))
	for _, v := range a.Violations {
		flags = append(flags, string(v.Code))
	}

	return []interface{}{
		a.ID,
		a.PostID,
		a.UserID,
		string(a.Platform),
		string(a.ContentFormat),
		a.ScheduledFor.Format(time.RFC3339),
		fmt.Sprintf("%.3f", a.Score),
		a.Priority,
		string(a.Status),
		a.StatusReason,
		strings.Join(flags, "; "),
		m.scheduleRef(ctx, a.ScheduleID, cache),
		formatTime(a.PostedAt),
		a.UpdatedAt.Format(time.RFC3339),
	}
}

// scheduleRef resolves a schedule ID to its public ID, caching per sync.
func (m *CalendarMirror) scheduleRef(ctx context.Context, id *uint, cache map[uint]string) string {
	if id == nil {
		return ""
	}
	if ref, ok := cache[*id]; ok {
		return ref
	}
	schedule, err := m.repo.GetScheduleByID(ctx, *id)
	if err != nil {
		cache[*id] = ""
		return ""
	}
	cache[*id] = schedule.PublicID
	return schedule.PublicID
}

// wait holds until the Sheets limiter allows another call.
func (m *CalendarMirror) wait(ctx context.Context) error {
	if m.limiter == nil {
		return nil
	}
	return m.limiter.Wait(ctx, ratelimit.LimiterSheets)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
