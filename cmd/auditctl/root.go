package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	audit "github.com/dr4tinymous/hipaa-audit"
)

// errVerifyFailed is returned by verify when the log has integrity errors.
var errVerifyFailed = errors.New("integrity check failed")

// storeFlags selects and configures the store all commands read from.
type storeFlags struct {
	sqlite     string
	postgres   string
	redis      string
	redisDB    int
	s3Bucket   string
	s3Prefix   string
	s3Endpoint string
	slot       string
	configPath string
	output     string
	verbose    bool
}

// execute runs the CLI and returns the process exit code: 0 on success, 2
// when verify found integrity errors, 1 for any other failure.
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, errVerifyFailed) {
			return 2
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	f := &storeFlags{}

	root := &cobra.Command{
		Use:           "auditctl",
		Short:         "Inspect and maintain a HIPAA audit trail",
		Long:          "auditctl reads the audit log slot written by the audit package. Encrypted logs are opened with the base64 key in AUDIT_ENCRYPTION_KEY.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.sqlite, "sqlite", "", "Path to a SQLite audit database")
	pf.StringVar(&f.postgres, "postgres", "", "PostgreSQL DSN of the audit database")
	pf.StringVar(&f.redis, "redis", "", "Redis address (host:port) holding the audit slot")
	pf.IntVar(&f.redisDB, "redis-db", 0, "Redis database number")
	pf.StringVar(&f.s3Bucket, "s3-bucket", "", "S3 bucket holding the audit slot")
	pf.StringVar(&f.s3Prefix, "s3-prefix", "audit", "Key prefix inside the S3 bucket")
	pf.StringVar(&f.s3Endpoint, "s3-endpoint", "", "Custom S3 endpoint (MinIO, LocalStack)")
	pf.StringVar(&f.slot, "slot", "", "Slot name (defaults to the configured slot)")
	pf.StringVar(&f.configPath, "config", "", "YAML configuration file")
	pf.StringVarP(&f.output, "output", "o", "table", "Output format (table, json)")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "Log diagnostics to stderr")

	root.AddCommand(
		newVerifyCmd(f),
		newStatsCmd(f),
		newLogsCmd(f),
		newSweepCmd(f),
	)
	return root
}

// openStore returns the store selected by the flags. Exactly one store flag
// must be set.
func (f *storeFlags) openStore(ctx context.Context) (audit.Store, error) {
	var set []string
	for name, v := range map[string]string{
		"--sqlite": f.sqlite, "--postgres": f.postgres, "--redis": f.redis, "--s3-bucket": f.s3Bucket,
	} {
		if v != "" {
			set = append(set, name)
		}
	}
	switch len(set) {
	case 0:
		return nil, errors.New("no store selected: pass one of --sqlite, --postgres, --redis, --s3-bucket")
	case 1:
	default:
		return nil, fmt.Errorf("only one store may be selected, got %s", strings.Join(set, ", "))
	}

	switch {
	case f.sqlite != "":
		return audit.OpenSQLiteStore(f.sqlite)
	case f.postgres != "":
		return audit.OpenPostgresStore(ctx, f.postgres)
	case f.redis != "":
		return audit.NewRedisStore(f.redis, f.redisDB, os.Getenv("AUDIT_REDIS_PASSWORD"))
	default:
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(cfg, func(o *s3.Options) {
			if f.s3Endpoint != "" {
				o.BaseEndpoint = aws.String(f.s3Endpoint)
				o.UsePathStyle = true
			}
		})
		return audit.NewS3Store(client, f.s3Bucket, f.s3Prefix), nil
	}
}

// withLogger opens the store, builds a Logger over it without a flush timer,
// runs fn and tears everything down again.
func (f *storeFlags) withLogger(cmd *cobra.Command, fn func(ctx context.Context, l *audit.Logger) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	settings, err := audit.LoadSettings(f.configPath)
	if err != nil {
		return err
	}
	opts, err := settings.Options()
	if err != nil {
		return err
	}

	zl := zap.NewNop()
	if f.verbose {
		if zl, err = zap.NewDevelopment(); err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
	}
	defer func() { _ = zl.Sync() }()

	if settings.EncryptLogs && settings.EncryptionKey == "" {
		zl.Warn("AUDIT_ENCRYPTION_KEY not set, encrypted slots will be unreadable")
		opts = append(opts, audit.WithEncryptLogs(false))
	}

	store, err := f.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	opts = append(opts,
		audit.WithStore(store),
		audit.WithLogger(zl),
		audit.WithFlushInterval(0),
		audit.WithRealTimeAlerts(false),
	)
	if f.slot != "" {
		opts = append(opts, audit.WithSlotName(f.slot))
	}
	l, err := audit.NewLogger(opts...)
	if err != nil {
		return err
	}
	runErr := fn(ctx, l)
	if err := l.Destroy(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (f *storeFlags) jsonOutput() bool { return f.output == "json" }
