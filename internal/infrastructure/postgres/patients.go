package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/grace"
	"github.com/drfirst/go-adherence/internal/sweep"
)

const commandColumns = `id, patient_id, name, generic_name, dosage, frequency,
	as_needed, grace_period_minutes, requires_food`

func scanCommand(row pgx.Row) (medication.Command, error) {
	var c medication.Command
	err := row.Scan(
		&c.ID, &c.PatientID, &c.Name, &c.GenericName, &c.Dosage, &c.Frequency,
		&c.AsNeeded, &c.GracePeriodMinutes, &c.RequiresFood,
	)
	return c, err
}

// GetCommand implements medication.Store
func (s *Store) GetCommand(ctx context.Context, id string) (medication.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM medication_commands WHERE id = $1`

	c, err := scanCommand(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return medication.Command{}, dose.NotFound("get_command", "medication command", id)
	}
	if err != nil {
		return medication.Command{}, dose.TransientStorage("get_command", err)
	}
	return c, nil
}

// GetCommands implements medication.Store. Unknown ids are omitted.
func (s *Store) GetCommands(ctx context.Context, ids []string) (map[string]medication.Command, error) {
	out := make(map[string]medication.Command, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `SELECT ` + commandColumns + ` FROM medication_commands WHERE id = ANY($1)`
	rows, err := s.db.Query(ctx, query, ids)
	if err != nil {
		return nil, dose.TransientStorage("get_commands", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// GetConfig implements grace.ConfigSource
func (s *Store) GetConfig(ctx context.Context, patientID string) (grace.PatientGraceConfig, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT config FROM patient_grace_configs WHERE patient_id = $1`, patientID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return grace.PatientGraceConfig{}, dose.NotFound("get_config", "grace config for patient", patientID)
	}
	if err != nil {
		return grace.PatientGraceConfig{}, dose.TransientStorage("get_config", err)
	}

	var cfg grace.PatientGraceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return grace.PatientGraceConfig{}, &dose.Error{
			Kind:      dose.KindConfiguration,
			Op:        "get_config",
			RelatedID: patientID,
			Message:   "stored grace config is unreadable",
			Err:       err,
		}
	}
	cfg.PatientID = patientID
	return cfg, nil
}

// SaveConfig upserts a patient's grace configuration
func (s *Store) SaveConfig(ctx context.Context, cfg grace.PatientGraceConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode grace config: %w", err)
	}

	query := `
		INSERT INTO patient_grace_configs (patient_id, config, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (patient_id) DO UPDATE SET config = EXCLUDED.config, updated_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, cfg.PatientID, raw); err != nil {
		return dose.TransientStorage("save_config", err)
	}
	return nil
}

// RulesForPatients implements sweep.RuleStore
func (s *Store) RulesForPatients(ctx context.Context, patientIDs []string) (map[string][]sweep.Rule, error) {
	out := make(map[string][]sweep.Rule, len(patientIDs))
	if len(patientIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT id, patient_id, family_member_id, immediate,
		       consecutive_miss_threshold, critical_only, enabled
		FROM family_notification_rules
		WHERE patient_id = ANY($1)
		ORDER BY patient_id, id
	`
	rows, err := s.db.Query(ctx, query, patientIDs)
	if err != nil {
		return nil, fmt.Errorf("query notification rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r sweep.Rule
		if err := rows.Scan(&r.ID, &r.PatientID, &r.FamilyMemberID, &r.Immediate,
			&r.ConsecutiveMissThreshold, &r.CriticalOnly, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scan notification rule: %w", err)
		}
		out[r.PatientID] = append(out[r.PatientID], r)
	}
	return out, rows.Err()
}
