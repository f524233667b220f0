package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/quill/internal/router"
	"github.com/quill/pkg/models"
)

// SessionCommand returns the interactive session command. It stands in for
// the graphical surface: stdin lines feed the shared buffer, simple colon
// commands play the role of hotkeys.
func SessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Interactive session: lines feed the buffer, :complete / :rephrase / :write trigger generation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "app",
				Value:   "terminal",
				Usage:   "foreground application identifier used for persona selection",
				EnvVars: []string{"QUILL_APP"},
			},
		},
		Action: runSession,
	}
}

// sessionListener prints deliveries as they arrive.
type sessionListener struct{}

func (sessionListener) OnResult(h router.Handle, text string) {
	fmt.Printf("\n--- suggestion ---\n%s\n------------------\n", text)
}

func (sessionListener) OnFailure(h router.Handle, kind models.ErrorKind) {
	fmt.Fprintf(os.Stderr, "\n%s\n", kind.Message())
}

func (sessionListener) OnPersonaFallback(h router.Handle, requested models.RoleTag) {
	fmt.Fprintf(os.Stderr, "note: no persona for role %q, used default\n", requested)
}

func runSession(c *cli.Context) error {
	setupLogging(c)

	appID := c.String("app")
	p, err := buildPipeline(c, sessionListener{}, func() string { return appID })
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.tracker.Start(ctx)
	defer p.tracker.Stop()

	intake := router.NewIntake(p.router, p.cfg.Router.IntakeSize)
	intake.Start(ctx)
	defer intake.Stop()

	fmt.Println("quill session - type text to fill the buffer; commands: :complete :rephrase :write :clear :reload :quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		switch strings.TrimSpace(line) {
		case ":quit", ":q":
			return nil
		case ":clear":
			p.buffer.Clear()
			fmt.Println("(buffer cleared)")
		case ":reload":
			if err := p.reload(c); err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			}
		case ":complete":
			intake.Push(models.Request{UseBuffer: true, Mode: models.ModeComplete, Trigger: models.TriggerManual})
		case ":rephrase":
			intake.Push(models.Request{UseBuffer: true, Mode: models.ModeRephrase, Trigger: models.TriggerManual})
		case ":write":
			intake.Push(models.Request{UseBuffer: true, Mode: models.ModeAutoWrite, Trigger: models.TriggerManual})
		case ":stats":
			stats := p.buffer.Stats()
			fmt.Printf("buffer: %d chars now, %d typed this session\n", stats.CurrentLength, stats.TotalChars)
		default:
			p.buffer.Append(line + "\n")
			// Typing pauses fire an auto trigger, the way the capture
			// collaborator would after its debounce.
			intake.Push(models.Request{UseBuffer: true, Mode: models.ModeComplete, Trigger: models.TriggerAuto})
		}
	}
	return scanner.Err()
}
