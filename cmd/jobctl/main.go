// Command jobctl is the operator CLI for the video pipeline: it submits
// videos, inspects and cancels jobs, issues download grants and runs the
// expiry sweep.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fiapx/fiapx-video-pipeline/internal/app"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/config"
	"github.com/fiapx/fiapx-video-pipeline/internal/usecase"
	"github.com/fiapx/fiapx-video-pipeline/pkg/logger"
)

var errUsage = errors.New("usage: jobctl <submit|status|list|events|cancel|grant|requeue|expire|user-add> [flags]")

type command struct {
	name  string
	flags *flag.FlagSet
	run   func(ctx context.Context, e *env) error
}

// env is what a command runs against once infrastructure is up.
type env struct {
	cfg  *config.Config
	log  *zap.Logger
	deps *app.Deps
	svc  *usecase.JobService
	out  io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cmd, err := parse(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	deps, err := app.Connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	return cmd.run(ctx, &env{cfg: cfg, log: log, deps: deps, svc: deps.JobService(cfg, log), out: out})
}

// parse resolves the subcommand and its flags without touching infrastructure.
func parse(args []string) (*command, error) {
	if len(args) == 0 {
		return nil, errUsage
	}
	for _, c := range commands() {
		if c.name != args[0] {
			continue
		}
		c.flags.SetOutput(io.Discard)
		if err := c.flags.Parse(args[1:]); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errUsage, c.name, err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

func commands() []*command {
	var (
		owner, job          string
		file, contentType   string
		offset, limit       int
		batch               int
		userID, email, name string
	)
	idFlags := func(fs *flag.FlagSet) {
		fs.StringVar(&owner, "owner", "", "owner user id")
		fs.StringVar(&job, "job", "", "job id")
	}

	submit := flag.NewFlagSet("submit", flag.ContinueOnError)
	submit.StringVar(&owner, "owner", "", "owner user id")
	submit.StringVar(&file, "file", "", "video file to upload")
	submit.StringVar(&contentType, "content-type", "", "content type of the upload")

	status := flag.NewFlagSet("status", flag.ContinueOnError)
	idFlags(status)

	list := flag.NewFlagSet("list", flag.ContinueOnError)
	list.StringVar(&owner, "owner", "", "owner user id")
	list.IntVar(&offset, "offset", 0, "page offset")
	list.IntVar(&limit, "limit", 50, "page size (max 100)")

	events := flag.NewFlagSet("events", flag.ContinueOnError)
	events.StringVar(&job, "job", "", "job id")

	cancel := flag.NewFlagSet("cancel", flag.ContinueOnError)
	idFlags(cancel)

	grant := flag.NewFlagSet("grant", flag.ContinueOnError)
	idFlags(grant)

	requeue := flag.NewFlagSet("requeue", flag.ContinueOnError)
	requeue.StringVar(&job, "job", "", "job id")

	expire := flag.NewFlagSet("expire", flag.ContinueOnError)
	expire.IntVar(&batch, "batch", 100, "jobs per sweep batch")

	userAdd := flag.NewFlagSet("user-add", flag.ContinueOnError)
	userAdd.StringVar(&userID, "id", "", "user id (generated when empty)")
	userAdd.StringVar(&email, "email", "", "notification address")
	userAdd.StringVar(&name, "name", "", "display name")

	return []*command{
		{name: "submit", flags: submit, run: func(ctx context.Context, e *env) error {
			ownerID, err := parseID("owner", owner)
			if err != nil {
				return err
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			st, err := f.Stat()
			if err != nil {
				return err
			}
			j, err := e.svc.Submit(ctx, usecase.Upload{
				OwnerID:     ownerID,
				Filename:    filepath.Base(file),
				SizeBytes:   st.Size(),
				ContentType: contentType,
				Body:        f,
			})
			if j != nil {
				// A job can be persisted even when the publish failed.
				if perr := printJSON(e.out, jobView(j)); perr != nil {
					return perr
				}
			}
			return err
		}},
		{name: "status", flags: status, run: func(ctx context.Context, e *env) error {
			ownerID, jobID, err := parseIDs(owner, job)
			if err != nil {
				return err
			}
			j, err := e.svc.Status(ctx, ownerID, jobID)
			if err != nil {
				return err
			}
			return printJSON(e.out, jobView(j))
		}},
		{name: "list", flags: list, run: func(ctx context.Context, e *env) error {
			ownerID, err := parseID("owner", owner)
			if err != nil {
				return err
			}
			jobs, total, err := e.svc.List(ctx, ownerID, port.Page{Offset: offset, Limit: limit})
			if err != nil {
				return err
			}
			views := make([]map[string]any, 0, len(jobs))
			for _, j := range jobs {
				views = append(views, jobView(j))
			}
			return printJSON(e.out, map[string]any{"total": total, "jobs": views})
		}},
		{name: "events", flags: events, run: func(ctx context.Context, e *env) error {
			jobID, err := parseID("job", job)
			if err != nil {
				return err
			}
			evs, err := e.deps.Jobs.Events(ctx, jobID)
			if err != nil {
				return err
			}
			return printJSON(e.out, evs)
		}},
		{name: "cancel", flags: cancel, run: func(ctx context.Context, e *env) error {
			ownerID, jobID, err := parseIDs(owner, job)
			if err != nil {
				return err
			}
			j, err := e.svc.Cancel(ctx, ownerID, jobID)
			if err != nil {
				return err
			}
			return printJSON(e.out, jobView(j))
		}},
		{name: "grant", flags: grant, run: func(ctx context.Context, e *env) error {
			ownerID, jobID, err := parseIDs(owner, job)
			if err != nil {
				return err
			}
			g, err := e.svc.DownloadGrant(ctx, ownerID, jobID)
			if err != nil {
				return err
			}
			return printJSON(e.out, map[string]any{
				"download_url": g.URL,
				"expires_in":   int(g.ExpiresIn.Seconds()),
				"filename":     g.Filename,
			})
		}},
		{name: "requeue", flags: requeue, run: func(ctx context.Context, e *env) error {
			jobID, err := parseID("job", job)
			if err != nil {
				return err
			}
			return e.svc.Requeue(ctx, jobID)
		}},
		{name: "expire", flags: expire, run: func(ctx context.Context, e *env) error {
			n, err := usecase.NewExpireJobsUseCase(e.deps.Jobs, e.deps.Storage, batch, e.log).Execute(ctx)
			if err != nil {
				return err
			}
			return printJSON(e.out, map[string]any{"expired": n})
		}},
		{name: "user-add", flags: userAdd, run: func(ctx context.Context, e *env) error {
			id := uuid.New()
			if userID != "" {
				var err error
				if id, err = parseID("id", userID); err != nil {
					return err
				}
			}
			if email == "" {
				return fmt.Errorf("%w: -email is required", errUsage)
			}
			u := &entity.User{ID: id, Email: email, Name: name}
			if err := e.deps.Users.Upsert(ctx, u); err != nil {
				return err
			}
			return printJSON(e.out, map[string]any{"id": u.ID, "email": u.Email, "name": u.Name})
		}},
	}
}

func parseID(flagName, v string) (uuid.UUID, error) {
	if v == "" {
		return uuid.Nil, fmt.Errorf("%w: -%s is required", errUsage, flagName)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: -%s: %v", errUsage, flagName, err)
	}
	return id, nil
}

func parseIDs(owner, job string) (uuid.UUID, uuid.UUID, error) {
	ownerID, err := parseID("owner", owner)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	jobID, err := parseID("job", job)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return ownerID, jobID, nil
}

func jobView(j *entity.Job) map[string]any {
	v := map[string]any{
		"job_id":            j.ID,
		"status":            j.Status,
		"message":           usecase.StatusMessage(j),
		"original_filename": j.Input.OriginalFilename,
		"video_size_bytes":  j.Input.SizeBytes,
		"retry_count":       j.RetryCount,
		"created_at":        j.CreatedAt.Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		v["started_at"] = j.StartedAt.Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		v["completed_at"] = j.CompletedAt.Format(time.RFC3339)
	}
	if j.ExpiresAt != nil {
		v["expires_at"] = j.ExpiresAt.Format(time.RFC3339)
	}
	if j.Output != nil {
		v["frame_count"] = j.Output.FrameCount
		v["zip_size_bytes"] = j.Output.SizeBytes
	}
	if j.Failure != nil {
		v["error_code"] = j.Failure.Code
		v["error_message"] = j.Failure.Message
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
