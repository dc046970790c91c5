package bot

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// SweepSpam drops idle spam records.
func (b *Bot) SweepSpam() int {
	return b.Enforcer.SweepSpam()
}

// RunReversals reloads pending reversals and fires them until ctx ends.
// Past-due entries left by a previous run fire immediately.
func (b *Bot) RunReversals(ctx context.Context) {
	n, err := b.Reversals.Load(ctx)
	if err != nil {
		b.logger.WithError(err).Error("failed to load pending reversals")
		b.LogSink.LogError("", "Reversals", fmt.Sprintf("加载待撤销处罚失败: %v", err))
	} else {
		b.logger.WithField("pending", n).Info("pending reversals loaded")
	}
	b.Reversals.Run(ctx)
}

// Run opens the gateway connection and blocks until SIGINT or SIGTERM.
// SIGHUP reloads the guild rule sets.
func (b *Bot) Run() error {
	b.RegisterHandlers()
	if err := b.Session.Open(); err != nil {
		return fmt.Errorf("error opening connection: %w", err)
	}

	b.tasks.Start()

	b.logger.Info(SystemReport())
	fmt.Println("Bot is now running. Press CTRL-C to exit.")
	b.LogSink.LogInfo("", "System", fmt.Sprintf("自动审核已启动\n%s", time.Now().Format(time.DateTime)))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	for {
		select {
		case <-hup:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			b.ReloadRuleSets(ctx)
			cancel()
		case <-sc:
			return nil
		}
	}
}
