package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"

	"github.com/meterpipe/meterpipe/internal/meter"
)

// ClickHouseConfig configures the ClickHouse sender.
type ClickHouseConfig struct {
	// Endpoint is the ClickHouse native protocol address.
	Endpoint string `yaml:"endpoint"`

	// Database is the target database name.
	Database string `yaml:"database"`

	// Table is the target table name. Defaults to "counter_points".
	Table string `yaml:"table"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`
}

// ClickHouseSender writes counter points to a ClickHouse table, one
// batch insert per chunk.
type ClickHouseSender struct {
	log      logrus.FieldLogger
	cfg      ClickHouseConfig
	resource Resource
	conn     clickhouse.Conn
}

// Ensure ClickHouseSender implements Sender.
var _ Sender = (*ClickHouseSender)(nil)

// NewClickHouseSender creates a new ClickHouse sender.
func NewClickHouseSender(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
	res Resource,
) *ClickHouseSender {
	if cfg.Table == "" {
		cfg.Table = "counter_points"
	}

	return &ClickHouseSender{
		log:      log.WithField("component", "clickhouse"),
		cfg:      cfg,
		resource: res,
	}
}

// Name returns the sender identifier.
func (s *ClickHouseSender) Name() string {
	return "clickhouse"
}

// Start opens the ClickHouse connection.
func (s *ClickHouseSender) Start(ctx context.Context) error {
	opts := &clickhouse.Options{
		Addr: []string{s.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: s.cfg.Database,
			Username: s.cfg.Username,
			Password: s.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	s.conn = conn

	s.log.WithField("endpoint", s.cfg.Endpoint).
		Info("ClickHouse sender connected")

	return nil
}

// Send writes the chunk as a single batch insert.
func (s *ClickHouseSender) Send(ctx context.Context, points []meter.Point) error {
	if s.conn == nil {
		return Permanent(errors.New("clickhouse sender not started"))
	}

	table := fmt.Sprintf("%s.%s", s.cfg.Database, s.cfg.Table)
	now := time.Now()

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s (
		updated_date_time, start_date_time, event_date_time,
		name, unit, description, labels, value,
		service_name, resource_attributes
	)`, table))
	if err != nil {
		return classifyClickHouseError(
			fmt.Errorf("preparing %s batch: %w", s.cfg.Table, err),
		)
	}

	for _, p := range points {
		if err := batch.Append(
			now, p.StartTime, p.Time,
			p.Name, p.Unit, p.Description, meter.LabelMap(p.Labels), p.Value,
			s.resource.ServiceName, s.resource.Attributes,
		); err != nil {
			return classifyClickHouseError(
				fmt.Errorf("appending %s row: %w", s.cfg.Table, err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		return classifyClickHouseError(
			fmt.Errorf("sending %s batch: %w", s.cfg.Table, err),
		)
	}

	return nil
}

// Stop closes the ClickHouse connection.
func (s *ClickHouseSender) Stop() error {
	if s.conn != nil {
		return s.conn.Close()
	}

	return nil
}

// Server error codes that clear up on their own. Everything else the
// server reports is permanent; network errors stay transient.
const (
	chTimeoutExceeded            = 159
	chTooManySimultaneousQueries = 202
	chMemoryLimitExceeded        = 241
	chTooManyParts               = 252
)

func classifyClickHouseError(err error) error {
	if err == nil {
		return nil
	}

	var exc *clickhouse.Exception
	if !errors.As(err, &exc) {
		return err
	}

	switch exc.Code {
	case chTimeoutExceeded,
		chTooManySimultaneousQueries,
		chMemoryLimitExceeded,
		chTooManyParts:
		return err
	default:
		return Permanent(err)
	}
}
