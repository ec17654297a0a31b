package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimsdesk/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) ClaimRepository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const claimCols = `id, patient_id, patient_control_number, appointment_id, invoice_id,
	payer_id, payer_name, cpt_code, diagnosis_codes, charge_amount, session_date,
	status, notes, patient_info, cms1500_data, resubmission_of, resubmission_code,
	paid_amount, submitted_at, paid_at, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, req ClaimRequest) (*Claim, error) {
	id := uuid.New()
	pcn := req.PatientControlNumber
	if pcn == "" {
		pcn = ControlNumberFor(id)
	}
	status := req.Status
	if status == "" {
		status = StatusReady
	}
	info, payload, err := encodeJSONB(req)
	if err != nil {
		return nil, err
	}
	return scanClaim(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim (
			id, patient_id, patient_control_number, appointment_id, invoice_id,
			payer_id, payer_name, cpt_code, diagnosis_codes, charge_amount, session_date,
			status, notes, patient_info, cms1500_data, resubmission_of, resubmission_code
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING `+claimCols,
		id, req.PatientID, pcn, req.AppointmentID, req.InvoiceID,
		req.PayerID, req.PayerName, req.CPTCode, nonNilCodes(req.DiagnosisCodes), req.ChargeAmount, req.SessionDate,
		status, req.Notes, info, payload, req.ResubmissionOf, string(req.ResubmissionCode),
	))
}

// Update replaces a claim's content. The control number is kept unless the
// request carries one.
func (r *repoPG) Update(ctx context.Context, id uuid.UUID, req ClaimRequest) (*Claim, error) {
	info, payload, err := encodeJSONB(req)
	if err != nil {
		return nil, err
	}
	return scanClaim(r.conn(ctx).QueryRow(ctx, `
		UPDATE claim SET
			patient_id=$2,
			patient_control_number=COALESCE(NULLIF($3, ''), patient_control_number),
			appointment_id=$4, invoice_id=$5, payer_id=$6, payer_name=$7, cpt_code=$8,
			diagnosis_codes=$9, charge_amount=$10, session_date=$11, notes=$12,
			patient_info=$13, cms1500_data=$14, resubmission_of=$15, resubmission_code=$16,
			updated_at=NOW()
		WHERE id = $1
		RETURNING `+claimCols,
		id, req.PatientID, req.PatientControlNumber, req.AppointmentID, req.InvoiceID,
		req.PayerID, req.PayerName, req.CPTCode, nonNilCodes(req.DiagnosisCodes), req.ChargeAmount,
		req.SessionDate, req.Notes, info, payload, req.ResubmissionOf, string(req.ResubmissionCode),
	))
}

// PatchStatus sets the status and stamps whichever fields the patch carries;
// absent fields keep their stored values.
func (r *repoPG) PatchStatus(ctx context.Context, id uuid.UUID, patch StatusPatch) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx, `
		UPDATE claim SET
			status=$2,
			submitted_at=COALESCE($3, submitted_at),
			paid_at=COALESCE($4, paid_at),
			paid_amount=COALESCE($5, paid_amount),
			notes=COALESCE($6, notes),
			resubmission_of=COALESCE($7, resubmission_of),
			resubmission_code=COALESCE(NULLIF($8, ''), resubmission_code),
			updated_at=NOW()
		WHERE id = $1
		RETURNING `+claimCols,
		id, string(patch.Status), patch.SubmittedAt, patch.PaidAt, patch.PaidAmount, patch.Notes,
		patch.ResubmissionOf, string(patch.ResubmissionCode),
	))
}

func (r *repoPG) SaveDraft(ctx context.Context, appointmentID string, form ClaimFormData) error {
	data, err := json.Marshal(form)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO claim_draft (appointment_id, form_data, saved_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (appointment_id) DO UPDATE SET form_data = EXCLUDED.form_data, saved_at = NOW()`,
		appointmentID, data)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claim WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, filter ClaimFilter, limit, offset int) ([]*Claim, int, error) {
	where, args := filterClause(filter)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claim`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM claim%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, claimCols, where, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *repoPG) AppointmentIDsWithClaims(ctx context.Context, appointmentIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(appointmentIDs) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT DISTINCT appointment_id FROM claim WHERE appointment_id = ANY($1)`, appointmentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func filterClause(f ClaimFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(col string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.PatientID != "" {
		add("patient_id", f.PatientID)
	}
	if f.AppointmentID != "" {
		add("appointment_id", f.AppointmentID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func encodeJSONB(req ClaimRequest) (info, payload []byte, err error) {
	info, err = json.Marshal(req.PatientInfo)
	if err != nil {
		return nil, nil, fmt.Errorf("encode patient_info: %w", err)
	}
	if req.CMS1500Data != nil {
		payload, err = json.Marshal(req.CMS1500Data)
		if err != nil {
			return nil, nil, fmt.Errorf("encode cms1500_data: %w", err)
		}
	}
	return info, payload, nil
}

func nonNilCodes(codes []string) []string {
	if codes == nil {
		return []string{}
	}
	return codes
}

func scanClaim(row pgx.Row) (*Claim, error) {
	var (
		c         Claim
		status    string
		resubCode string
		info      []byte
		payload   []byte
		paid      decimal.NullDecimal
	)
	err := row.Scan(
		&c.ID, &c.PatientID, &c.PatientControlNumber, &c.AppointmentID, &c.InvoiceID,
		&c.PayerID, &c.PayerName, &c.CPTCode, &c.DiagnosisCodes, &c.ChargeAmount, &c.SessionDate,
		&status, &c.Notes, &info, &payload, &c.ResubmissionOf, &resubCode,
		&paid, &c.SubmittedAt, &c.PaidAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Status = Status(status)
	c.ResubmissionCode = ResubmissionCode(resubCode)
	if paid.Valid {
		v := paid.Decimal
		c.PaidAmount = &v
	}
	if len(info) > 0 {
		if err := json.Unmarshal(info, &c.PatientInfo); err != nil {
			return nil, fmt.Errorf("decode patient_info: %w", err)
		}
	}
	if len(payload) > 0 {
		var p SubmissionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode cms1500_data: %w", err)
		}
		c.CMS1500Data = &p
	}
	return &c, nil
}
