// Command archive writes each clinic's queue ledger for one day to S3 and
// appends it to the monthly manifest. Run it after midnight for the day that
// just closed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/wolfman30/city-services/cmd/mainconfig"
	"github.com/wolfman30/city-services/internal/app/bootstrap"
	"github.com/wolfman30/city-services/internal/archive"
	"github.com/wolfman30/city-services/internal/clinic"
	appconfig "github.com/wolfman30/city-services/internal/config"
	"github.com/wolfman30/city-services/internal/queue"
	"github.com/wolfman30/city-services/pkg/logging"
)

type options struct {
	date     time.Time
	clinicID uuid.UUID
}

// parseFlags defaults -date to yesterday in the clinic timezone.
func parseFlags(args []string, now time.Time, loc *time.Location) (options, error) {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	date := fs.String("date", "", "queue day to export (YYYY-MM-DD); defaults to yesterday")
	clinicID := fs.String("clinic", "", "export a single clinic instead of every clinic with a queue")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	var opts options
	if *date == "" {
		opts.date = queue.Day(now, loc).AddDate(0, 0, -1)
	} else {
		d, err := queue.ParseDate(*date)
		if err != nil {
			return options{}, err
		}
		opts.date = d
	}
	if *clinicID != "" {
		id, err := uuid.Parse(*clinicID)
		if err != nil {
			return options{}, fmt.Errorf("invalid clinic id: %w", err)
		}
		opts.clinicID = id
	}
	return opts, nil
}

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	opts, err := parseFlags(os.Args[1:], time.Now(), cfg.Location())
	if err != nil {
		log.Fatalf("archive: %v", err)
	}
	if cfg.ArchiveBucket == "" {
		log.Fatal("QUEUE_ARCHIVE_BUCKET is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := bootstrap.ConnectPostgres(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("archive: %v", err)
	}
	if pool == nil {
		log.Fatal("DATABASE_URL is required")
	}
	defer pool.Close()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	store := archive.NewStore(mainconfig.NewS3Client(awsCfg, cfg), cfg.ArchiveBucket, logger)
	reader := queue.NewPGStore(pool, queue.CounterPolicy{TotalCountsBookings: cfg.TotalCountsBookings}, nil, logger)
	exporter := archive.NewExporter(store, reader)

	clinics := []uuid.UUID{opts.clinicID}
	if opts.clinicID == uuid.Nil {
		sqlDB := stdlib.OpenDBFromPool(pool)
		defer sqlDB.Close()
		clinics, err = clinic.NewDirectory(sqlDB).WithQueueOn(ctx, opts.date)
		if err != nil {
			log.Fatalf("list clinics: %v", err)
		}
	}

	failed := exportAll(ctx, exporter, clinics, opts.date, logger)
	logger.Info("archive run finished", "date", queue.DateKey(opts.date), "clinics", len(clinics), "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

type ledgerExporter interface {
	Export(ctx context.Context, clinicID uuid.UUID, date time.Time) (*archive.ManifestEntry, error)
}

// exportAll keeps going past individual failures and reports how many failed.
func exportAll(ctx context.Context, exporter ledgerExporter, clinics []uuid.UUID, date time.Time, logger *logging.Logger) int {
	failed := 0
	for _, id := range clinics {
		entry, err := exporter.Export(ctx, id, date)
		if err != nil {
			failed++
			logger.Error("ledger export failed", "clinic_id", id, "date", queue.DateKey(date), "error", err)
			continue
		}
		logger.Info("ledger exported", "clinic_id", id, "key", entry.S3Key, "tickets", entry.Tickets)
	}
	return failed
}
