package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"anima-gateway/internal/models"
)

// ReadingsRepository 生理读数仓库
type ReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingsRepository 创建读数仓库
func NewReadingsRepository(db *sql.DB, logger *zap.Logger) *ReadingsRepository {
	return &ReadingsRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema 创建读数表（幂等）
func (r *ReadingsRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS sensor_readings (
			id               BIGSERIAL PRIMARY KEY,
			timestamp        TIMESTAMPTZ NOT NULL,
			heart_rate       DOUBLE PRECISION,
			hrv              DOUBLE PRECISION,
			eda              DOUBLE PRECISION,
			skin_temperature DOUBLE PRECISION,
			pupil_diameter   DOUBLE PRECISION,
			blink_rate       DOUBLE PRECISION,
			motion_activity  INTEGER NOT NULL DEFAULT 0,
			stress_level     DOUBLE PRECISION,
			anomaly_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
			user_label       BOOLEAN
		);
		CREATE INDEX IF NOT EXISTS idx_sensor_readings_timestamp
			ON sensor_readings (timestamp DESC);
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure sensor_readings schema: %w", err)
	}
	return nil
}

// InsertReading 插入一条读数，返回生成的ID
func (r *ReadingsRepository) InsertReading(ctx context.Context, reading *models.Reading) (int64, error) {
	query := `
		INSERT INTO sensor_readings (
			timestamp, heart_rate, hrv, eda, skin_temperature,
			pupil_diameter, blink_rate, motion_activity, stress_level,
			anomaly_score, user_label
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		reading.Timestamp,
		nullFloat(reading.HeartRate),
		nullFloat(reading.HRV),
		nullFloat(reading.EDA),
		nullFloat(reading.SkinTemperature),
		nullFloat(reading.PupilDiameter),
		nullFloat(reading.BlinkRate),
		reading.MotionActivity,
		nullFloat(reading.StressLevel),
		reading.AnomalyScore,
		nullBool(reading.UserLabel),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reading: %w", err)
	}

	return id, nil
}

// AverageHRVSince 给定时刻以来所有读数的HRV算术平均
// 无符合条件的读数时返回 nil，由调用方决定默认值
func (r *ReadingsRepository) AverageHRVSince(ctx context.Context, since time.Time) (*float64, error) {
	query := `SELECT AVG(hrv) FROM sensor_readings WHERE timestamp >= $1`

	var avg sql.NullFloat64
	if err := r.db.QueryRowContext(ctx, query, since).Scan(&avg); err != nil {
		return nil, fmt.Errorf("failed to query average hrv: %w", err)
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}

// AverageHRSince 给定时刻以来所有读数的心率算术平均
func (r *ReadingsRepository) AverageHRSince(ctx context.Context, since time.Time) (*float64, error) {
	query := `SELECT AVG(heart_rate) FROM sensor_readings WHERE timestamp >= $1`

	var avg sql.NullFloat64
	if err := r.db.QueryRowContext(ctx, query, since).Scan(&avg); err != nil {
		return nil, fmt.Errorf("failed to query average heart rate: %w", err)
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}

// UpdateUserLabel 写入用户反馈标签（幂等：重复写同一标签结果不变）
func (r *ReadingsRepository) UpdateUserLabel(ctx context.Context, id int64, accurate bool) error {
	query := `UPDATE sensor_readings SET user_label = $1 WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, accurate, id)
	if err != nil {
		return fmt.Errorf("failed to update user label: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("reading %d not found", id)
	}

	return nil
}

// RecentReadings 最近N条读数，按时间倒序（趋势展示消费）
func (r *ReadingsRepository) RecentReadings(ctx context.Context, limit int) ([]*models.Reading, error) {
	query := `
		SELECT id, timestamp, heart_rate, hrv, eda, skin_temperature,
		       pupil_diameter, blink_rate, motion_activity, stress_level,
		       anomaly_score, user_label
		FROM sensor_readings
		ORDER BY timestamp DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows)
}

// RecentAnomalies 异常分高于阈值的最近读数
func (r *ReadingsRepository) RecentAnomalies(ctx context.Context, threshold float64, limit int) ([]*models.Reading, error) {
	query := `
		SELECT id, timestamp, heart_rate, hrv, eda, skin_temperature,
		       pupil_diameter, blink_rate, motion_activity, stress_level,
		       anomaly_score, user_label
		FROM sensor_readings
		WHERE anomaly_score > $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent anomalies: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows)
}

func scanReadings(rows *sql.Rows) ([]*models.Reading, error) {
	var results []*models.Reading
	for rows.Next() {
		reading := &models.Reading{}
		var heartRate, hrv, eda, skinTemp sql.NullFloat64
		var pupil, blink, stress sql.NullFloat64
		var userLabel sql.NullBool

		err := rows.Scan(
			&reading.ID,
			&reading.Timestamp,
			&heartRate,
			&hrv,
			&eda,
			&skinTemp,
			&pupil,
			&blink,
			&reading.MotionActivity,
			&stress,
			&reading.AnomalyScore,
			&userLabel,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}

		if heartRate.Valid {
			reading.HeartRate = &heartRate.Float64
		}
		if hrv.Valid {
			reading.HRV = &hrv.Float64
		}
		if eda.Valid {
			reading.EDA = &eda.Float64
		}
		if skinTemp.Valid {
			reading.SkinTemperature = &skinTemp.Float64
		}
		if pupil.Valid {
			reading.PupilDiameter = &pupil.Float64
		}
		if blink.Valid {
			reading.BlinkRate = &blink.Float64
		}
		if stress.Valid {
			reading.StressLevel = &stress.Float64
		}
		if userLabel.Valid {
			reading.UserLabel = &userLabel.Bool
		}

		results = append(results, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}

	return results, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}
