// Copyright 2025 the Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package calc

import (
	"context"
	"log/slog"
	"time"

	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/pkg/errors"
)

// WriteRequest carries one replay unit of calculation output.
type WriteRequest struct {
	// Version of the calculation that produced the rows; empty means
	// current.
	Version string
	// CaptureID identifies the input lineage. Replacing a capture's
	// rows and inserting the fresh set is what makes replay safe.
	CaptureID string
	// Rows hold the calculated values keyed by column. The writer
	// stamps capture_id, calc_version, and calculated_at.
	Rows []map[string]any
	// AllowDeprecated permits writing a deprecated version, for
	// backfills that must reproduce historical output.
	AllowDeprecated bool
}

// Writer persists calculation output with replace-by-capture
// semantics.
type Writer struct {
	calc   *Calculation
	logger *slog.Logger
	now    func() time.Time
}

// NewWriter builds a writer for one catalog entry.
func NewWriter(calc *Calculation, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		calc:   calc,
		logger: log.WithComponent(logger, "calc"),
		now:    time.Now,
	}
}

// Replace deletes any rows previously written for the request's
// (capture_id, calc_version) and inserts the new set, returning the
// resolved version and the number of rows inserted. Run it inside the
// step's transaction: the delete and insert must land atomically or
// not at all.
func (w *Writer) Replace(ctx context.Context, q storage.Querier, req WriteRequest) (string, int64, error) {
	version, warning, err := w.calc.ValidateWrite(req.Version, req.AllowDeprecated)
	if err != nil {
		return "", 0, err
	}
	if warning != "" {
		w.logger.Warn(warning, slog.String("calculation", w.calc.Name()))
	}
	if req.CaptureID == "" {
		return "", 0, errors.NewValidation(errors.SubConstraint,
			"calculation write requires a capture id")
	}

	d := q.Dialect()
	deleteStmt := `DELETE FROM ` + w.calc.Table() +
		` WHERE capture_id = ` + d.Placeholder(1) +
		` AND calc_version = ` + d.Placeholder(2)
	deleted, err := q.Execute(ctx, deleteStmt, req.CaptureID, version)
	if err != nil {
		return "", 0, err
	}

	if len(req.Rows) == 0 {
		w.logger.Debug("capture replaced with empty set",
			slog.String("calculation", w.calc.Name()),
			slog.String(log.CaptureIDKey, req.CaptureID),
			slog.Int64("deleted", deleted))
		return version, 0, nil
	}

	calculatedAt := storage.FormatTime(w.now())
	rows := make([]map[string]any, 0, len(req.Rows))
	for _, row := range req.Rows {
		stamped := make(map[string]any, len(row)+3)
		for col, value := range row {
			stamped[col] = value
		}
		stamped["capture_id"] = req.CaptureID
		stamped["calc_version"] = version
		stamped["calculated_at"] = calculatedAt
		rows = append(rows, stamped)
	}

	inserted, err := q.InsertMany(ctx, w.calc.Table(), rows)
	if err != nil {
		return "", 0, err
	}

	w.logger.Debug("capture replaced",
		slog.String("calculation", w.calc.Name()),
		slog.String("version", version),
		slog.String(log.CaptureIDKey, req.CaptureID),
		slog.Int64("deleted", deleted),
		slog.Int64("inserted", inserted))
	return version, inserted, nil
}
