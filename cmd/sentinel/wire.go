package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/linnemanlabs/go-core/log"
	sc "github.com/linnemanlabs/sentinel/internal/cfg"
	"github.com/linnemanlabs/sentinel/internal/classifier"
	"github.com/linnemanlabs/sentinel/internal/features"
	"github.com/linnemanlabs/sentinel/internal/input/redis"
	"github.com/linnemanlabs/sentinel/internal/notify"
	"github.com/linnemanlabs/sentinel/internal/notify/slack"
	"github.com/linnemanlabs/sentinel/internal/notify/telegram"
	"github.com/linnemanlabs/sentinel/internal/stream"
	"github.com/linnemanlabs/sentinel/internal/stream/tail"
	"github.com/linnemanlabs/sentinel/internal/triage"
)

const stdinUsage = "stdin is a terminal; pipe alerts in, e.g.\n\n" +
	"  tail -F /var/ossec/logs/alerts/alerts.json | sentinel\n\n" +
	"or use -source=file / -source=redis"

// usageError is reported on stderr and exits with status 2.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

// loadEngine reads the feature manifest and classifier artifact from dir.
// Any failure is a *classifier.FatalError.
func loadEngine(dir, name string, hooks triage.EngineHooks) (*triage.Engine, *classifier.Forest, error) {
	manifestPath := filepath.Join(dir, features.ManifestFile)
	manifest, err := features.LoadManifest(manifestPath)
	if err != nil {
		return nil, nil, &classifier.FatalError{Path: manifestPath, Err: err}
	}
	codec, err := features.NewCodec(manifest)
	if err != nil {
		return nil, nil, &classifier.FatalError{Path: manifestPath, Err: err}
	}
	forest, err := classifier.Load(classifier.ArtifactPath(dir, name), manifest)
	if err != nil {
		return nil, nil, err
	}
	return triage.NewEngine(codec, forest, hooks), forest, nil
}

// openSource builds the configured alert source. The returned closer is
// never nil.
func openSource(ctx context.Context, c *sc.Config, stdin *os.File, L log.Logger) (stream.Source, io.Closer, error) {
	switch c.Source {
	case sc.SourceFile:
		f, err := tail.Open(c.AlertsFile, c.FromStart, L)
		if err != nil {
			return nil, nil, fmt.Errorf("follow %s: %w", c.AlertsFile, err)
		}
		return f, f, nil

	case sc.SourceRedis:
		rc, err := redis.NewConsumer(c.Redis())
		if err != nil {
			return nil, nil, err
		}
		if err := rc.Ping(ctx); err != nil {
			// the driver keeps polling and logs every failed pop
			L.Warn(ctx, "redis not reachable at startup", "addr", c.RedisAddr, "err", err)
		}
		return rc, rc, nil

	default:
		if term.IsTerminal(int(stdin.Fd())) {
			return nil, nil, &usageError{msg: stdinUsage}
		}
		return stream.NewReaderSource(stdin), io.NopCloser(nil), nil
	}
}

func newTransport(c *sc.Config) notify.Transport {
	switch c.NotifyTransport {
	case sc.TransportTelegram:
		return telegram.New(c.Telegram())
	case sc.TransportSlack:
		return slack.New(c.SlackWebhookURL)
	default:
		return notify.Nop{}
	}
}
