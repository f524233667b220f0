package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/quill/internal/router"
	"github.com/quill/pkg/models"
)

// GenerateCommand returns the one-shot generation command.
func GenerateCommand() *cli.Command {
	return &cli.Command{
		Name:      "generate",
		Usage:     "Run one text through the pipeline and print the completion",
		ArgsUsage: "[text]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "mode",
				Aliases: []string{"m"},
				Value:   string(models.ModeComplete),
				Usage:   "generation mode: complete, rephrase, or auto-write",
				EnvVars: []string{"QUILL_MODE"},
			},
			&cli.StringFlag{
				Name:    "app",
				Usage:   "foreground application identifier used for persona selection",
				EnvVars: []string{"QUILL_APP"},
			},
			&cli.DurationFlag{
				Name:  "wait",
				Value: 2 * time.Minute,
				Usage: "maximum time to wait for the completion",
			},
		},
		Action: runGenerate,
	}
}

// oneShotListener funnels the asynchronous delivery back to the CLI.
type oneShotListener struct {
	results  chan string
	failures chan models.ErrorKind
}

func newOneShotListener() *oneShotListener {
	return &oneShotListener{
		results:  make(chan string, 1),
		failures: make(chan models.ErrorKind, 1),
	}
}

func (l *oneShotListener) OnResult(h router.Handle, text string) {
	select {
	case l.results <- text:
	default:
	}
}

func (l *oneShotListener) OnFailure(h router.Handle, kind models.ErrorKind) {
	select {
	case l.failures <- kind:
	default:
	}
}

func (l *oneShotListener) OnPersonaFallback(h router.Handle, requested models.RoleTag) {
	fmt.Fprintf(os.Stderr, "note: no persona for role %q, used default\n", requested)
}

func runGenerate(c *cli.Context) error {
	setupLogging(c)

	mode, err := models.ParseMode(c.String("mode"))
	if err != nil {
		return err
	}

	text := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(text) == "" {
		// No argument: read from stdin, like piping into any unix tool.
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		text = string(data)
	}

	listener := newOneShotListener()
	appID := c.String("app")
	p, err := buildPipeline(c, listener, func() string { return appID })
	if err != nil {
		return err
	}
	p.tracker.Refresh()

	handle, err := p.router.Submit(models.Request{
		Text:    text,
		Mode:    mode,
		Trigger: models.TriggerManual,
	})
	if err != nil {
		return err
	}

	select {
	case completion := <-listener.results:
		fmt.Println(completion)
		return nil
	case kind := <-listener.failures:
		return fmt.Errorf("%s", kind.Message())
	case <-time.After(c.Duration("wait")):
		p.router.Cancel(handle)
		return fmt.Errorf("gave up waiting for the completion")
	}
}
