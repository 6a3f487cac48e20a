package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/storage"
)

// InsertRequest persists a new request record.
func (s *Store) InsertRequest(ctx context.Context, rec *gateway.RequestRecord) error {
	_, err := s.write.ExecContext(ctx, `INSERT INTO requests
		(request_id, user_id, api_key_name, provider, model_id, created_at, streaming,
		 status, input_tokens, output_tokens, cached_tokens, transaction_id, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.UserID, rec.APIKeyName, rec.Provider, rec.ModelID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), boolToInt(rec.Streaming),
		string(rec.Status), nullableInt(rec.InputTokens), nullableInt(rec.OutputTokens),
		nullableInt(rec.CachedTokens), nullableStr(rec.TransactionID), nullableStr(rec.ErrorMessage),
	)
	return err
}

// InsertContent persists the raw request/response payloads for a request.
func (s *Store) InsertContent(ctx context.Context, content *gateway.RequestContent) error {
	var resp any
	if len(content.ResponseBody) > 0 {
		resp = string(content.ResponseBody)
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO requests_content (request_id, request_body, response_body) VALUES (?, ?, ?)`,
		content.RequestID, string(content.RequestBody), resp,
	)
	return err
}

// InsertMetrics persists streaming latency measurements for a request.
func (s *Store) InsertMetrics(ctx context.Context, m *gateway.MetricsRecord) error {
	_, err := s.write.ExecContext(ctx, `INSERT INTO metrics
		(request_id, total_duration_ms, time_to_first_chunk_ms, dt_first_last_chunk_ms,
		 throughput_tokens_per_s, is_metrics_calculated)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.RequestID, nullableInt64(m.TotalDurationMs), nullableInt64(m.TimeToFirstChunkMs),
		nullableInt64(m.DtFirstLastChunkMs), nullableFloat(m.ThroughputTokensPerS),
		boolToInt(m.IsCalculated),
	)
	return err
}

// GetRequest returns a single request record by id.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*gateway.RequestRecord, error) {
	row := s.read.QueryRowContext(ctx, `SELECT request_id, user_id, api_key_name, provider,
		model_id, created_at, streaming, status, input_tokens, output_tokens, cached_tokens,
		transaction_id, error_message FROM requests WHERE request_id = ?`, requestID)

	rec, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*gateway.RequestRecord, error) {
	var (
		rec       gateway.RequestRecord
		createdAt string
		streaming int
		inTok     sql.NullInt64
		outTok    sql.NullInt64
		cachedTok sql.NullInt64
		txID      sql.NullString
		errMsg    sql.NullString
	)
	err := row.Scan(&rec.RequestID, &rec.UserID, &rec.APIKeyName, &rec.Provider, &rec.ModelID,
		&createdAt, &streaming, &rec.Status, &inTok, &outTok, &cachedTok, &txID, &errMsg)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.Streaming = streaming != 0
	rec.InputTokens = intPtr(inTok)
	rec.OutputTokens = intPtr(outTok)
	rec.CachedTokens = intPtr(cachedTok)
	if txID.Valid {
		rec.TransactionID = &txID.String
	}
	if errMsg.Valid {
		rec.ErrorMessage = &errMsg.String
	}
	return &rec, nil
}

// SelectReadyBatch returns up to limit ready_to_compute requests joined to
// their payloads and the pricing attributes of the serving variant.
func (s *Store) SelectReadyBatch(ctx context.Context, limit int) ([]*storage.ReadyRequest, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT
		r.request_id, r.user_id, r.api_key_name, r.provider, r.model_id, r.created_at,
		r.streaming, r.status, r.input_tokens, r.output_tokens, r.cached_tokens,
		r.transaction_id, r.error_message,
		COALESCE(c.request_body, ''), COALESCE(c.response_body, ''),
		COALESCE(m.price_input, 0), COALESCE(m.price_output, 0),
		COALESCE(m.pricing_method, 'standard'), COALESCE(m.tokenizer_name, '')
	FROM requests r
	LEFT JOIN requests_content c ON c.request_id = r.request_id
	LEFT JOIN models m ON m.model_id = r.model_id AND m.provider = r.provider
	WHERE r.status = 'ready_to_compute' AND r.error_message IS NULL
	ORDER BY r.created_at
	LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.ReadyRequest
	for rows.Next() {
		var (
			rr        storage.ReadyRequest
			createdAt string
			streaming int
			inTok     sql.NullInt64
			outTok    sql.NullInt64
			cachedTok sql.NullInt64
			txID      sql.NullString
			errMsg    sql.NullString
			reqBody   string
			respBody  string
			method    string
		)
		err := rows.Scan(
			&rr.Record.RequestID, &rr.Record.UserID, &rr.Record.APIKeyName,
			&rr.Record.Provider, &rr.Record.ModelID, &createdAt,
			&streaming, &rr.Record.Status, &inTok, &outTok, &cachedTok, &txID, &errMsg,
			&reqBody, &respBody,
			&rr.PriceInput, &rr.PriceOutput, &method, &rr.TokenizerName,
		)
		if err != nil {
			return nil, err
		}
		rr.Record.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		rr.Record.Streaming = streaming != 0
		rr.Record.InputTokens = intPtr(inTok)
		rr.Record.OutputTokens = intPtr(outTok)
		rr.Record.CachedTokens = intPtr(cachedTok)
		if txID.Valid {
			rr.Record.TransactionID = &txID.String
		}
		rr.RequestBody = []byte(reqBody)
		rr.ResponseBody = []byte(respBody)
		rr.PricingMethod = gateway.PricingMethod(method)
		out = append(out, &rr)
	}
	return out, rows.Err()
}

// SetRequestTokens writes tokenized counts back to a request row.
func (s *Store) SetRequestTokens(ctx context.Context, requestID string, inputTokens, outputTokens int) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE requests SET input_tokens = ?, output_tokens = ? WHERE request_id = ?`,
		inputTokens, outputTokens, requestID)
	return err
}

// CompleteRequest transitions ready_to_compute -> completed with its
// transaction attached. The conditional WHERE makes retries idempotent:
// a row already completed (or errored) is not touched again.
func (s *Store) CompleteRequest(ctx context.Context, requestID, transactionID string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE requests SET status = 'completed', transaction_id = ?
		 WHERE request_id = ? AND status = 'ready_to_compute'`,
		transactionID, requestID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("complete request %s: %w", requestID, gateway.ErrConflict)
	}
	return nil
}

// FailRequest transitions ready_to_compute -> error with a message.
func (s *Store) FailRequest(ctx context.Context, requestID, errMsg string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE requests SET status = 'error', error_message = ?
		 WHERE request_id = ? AND status = 'ready_to_compute'`,
		errMsg, requestID)
	return err
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
