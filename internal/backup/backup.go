// Package backup takes encrypted snapshots of the database and keeps them in
// an S3-compatible bucket.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	_ "modernc.org/sqlite"
)

// ErrDisabled is returned when storage credentials or the passphrase are missing.
var ErrDisabled = errors.New("backup not configured")

// objectStore is the subset of the S3 API the manager uses.
type objectStore interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

type Config struct {
	S3         S3Config
	Passphrase string
	Prefix     string        // key prefix, e.g. "snapshots/"
	Retention  time.Duration // zero keeps every snapshot
}

// Snapshot describes one stored backup.
type Snapshot struct {
	Key   string    `json:"key"`
	Taken time.Time `json:"taken"`
	Size  int64     `json:"size"`
}

const (
	keyStem   = "nightwatch-"
	keySuffix = ".db.enc"
	keyLayout = "2006-01-02T150405Z"
)

type Manager struct {
	cfg    Config
	db     *sql.DB
	client objectStore
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(cfg Config, db *sql.DB, logger *slog.Logger) *Manager {
	m := &Manager{cfg: cfg, db: db, logger: logger, now: time.Now}
	if cfg.S3.Bucket != "" && cfg.S3.AccessKey != "" && cfg.S3.SecretKey != "" {
		m.client = newS3Client(cfg.S3)
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Enabled reports whether snapshots can be stored.
func (m *Manager) Enabled() bool {
	return m.client != nil && m.cfg.Passphrase != ""
}

func (m *Manager) keyFor(t time.Time) string {
	return m.cfg.Prefix + keyStem + t.UTC().Format(keyLayout) + keySuffix
}

func (m *Manager) parseKey(key string) (time.Time, bool) {
	stamp, ok := strings.CutPrefix(key, m.cfg.Prefix+keyStem)
	if !ok {
		return time.Time{}, false
	}
	stamp, ok = strings.CutSuffix(stamp, keySuffix)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(keyLayout, stamp)
	return t, err == nil
}

// Run snapshots the database with VACUUM INTO, seals it and uploads it.
// It returns the object key.
func (m *Manager) Run(ctx context.Context) (string, error) {
	if !m.Enabled() {
		return "", ErrDisabled
	}

	dir, err := os.MkdirTemp("", "nightwatch-backup-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snapPath := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", snapPath); err != nil {
		return "", fmt.Errorf("snapshot database: %w", err)
	}
	plaintext, err := os.ReadFile(snapPath)
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}
	sealed, err := Seal(plaintext, m.cfg.Passphrase)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	key := m.keyFor(m.now())
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}

	m.logger.Info("backup uploaded", "key", key, "bytes", len(sealed))
	return key, nil
}

// List returns the stored snapshots, oldest first. Objects under the prefix
// that are not snapshots are ignored.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	if m.client == nil {
		return nil, ErrDisabled
	}

	var snaps []Snapshot
	p := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Prefix: aws.String(m.cfg.Prefix + keyStem),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			taken, ok := m.parseKey(key)
			if !ok {
				continue
			}
			snaps = append(snaps, Snapshot{Key: key, Taken: taken, Size: aws.ToInt64(obj.Size)})
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Taken.Before(snaps[j].Taken) })
	return snaps, nil
}

// Prune deletes snapshots older than the retention period and returns how
// many it removed. The newest snapshot is always kept.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	if m.cfg.Retention <= 0 {
		return 0, nil
	}
	snaps, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	cutoff := m.now().Add(-m.cfg.Retention)
	deleted := 0
	for _, s := range snaps[:len(snaps)-1] {
		if !s.Taken.Before(cutoff) {
			break
		}
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(s.Key),
		}); err != nil {
			m.logger.Warn("delete snapshot", "key", s.Key, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Restore downloads a snapshot, decrypts it and writes it to dst after an
// integrity check. An empty key restores the newest snapshot. An existing
// file at dst is never overwritten; the server must be stopped and the file
// moved into place by the operator.
func (m *Manager) Restore(ctx context.Context, key, dst string) error {
	if !m.Enabled() {
		return ErrDisabled
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("restore target %s already exists", dst)
	}

	if key == "" {
		snaps, err := m.List(ctx)
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			return errors.New("no snapshots stored")
		}
		key = snaps[len(snaps)-1].Key
	}

	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	sealed, err := io.ReadAll(result.Body)
	result.Body.Close()
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	plaintext, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return err
	}

	tmp := dst + ".partial"
	if err := os.WriteFile(tmp, plaintext, 0600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := checkIntegrity(ctx, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move snapshot into place: %w", err)
	}

	m.logger.Info("backup restored", "key", key, "path", dst)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
