package main

import (
	"context"
	"discord-automod/bot"
	"discord-automod/config"
	"discord-automod/model"
	"discord-automod/utils"
	"discord-automod/utils/database"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "discord-automod",
		Usage: "automated moderation bot for Discord guilds",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to config file (yaml/json/toml)",
				EnvVars: []string{"AUTOMOD_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "database",
				Usage:   "path to the sqlite database",
				EnvVars: []string{"AUTOMOD_DATABASE_PATH"},
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "redis URL for shared reversal and violation state",
				EnvVars: []string{"AUTOMOD_REDIS_URL"},
			},
			&cli.StringFlag{
				Name:    "metrics-listen",
				Usage:   "address for the prometheus metrics endpoint",
				EnvVars: []string{"AUTOMOD_METRICS_LISTEN"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log verbosity level (eg: warn, info, debug)",
				EnvVars: []string{"AUTOMOD_LOG_LEVEL", "LOG_LEVEL"},
			},
		},
		Action: runBot,
	}
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "connect to Discord and enforce guild rule sets",
			Action: runBot,
		},
		{
			Name:      "check-rules",
			Usage:     "load the guild rule sets and report what would be disabled",
			ArgsUsage: "[<dir>]",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "out",
					Usage: "write the sanitized rule sets as JSON into this directory",
				},
			},
			Action: runCheckRules,
		},
		{
			Name:   "reversals",
			Usage:  "list scheduled and abandoned reversals in the database",
			Action: runListReversals,
		},
	}
	app.RunAndExitOnError()
}

// loadConfig 读取配置文件并应用命令行覆盖
func loadConfig(cctx *cli.Context) (*model.Config, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if v := cctx.String("database"); v != "" {
		cfg.DatabasePath = v
	}
	if v := cctx.String("redis-url"); v != "" {
		cfg.RedisURL = v
	}
	if v := cctx.String("metrics-listen"); v != "" {
		cfg.MetricsListen = v
	}
	if v := cctx.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if err := config.SetupLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runBot(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	b, err := bot.New(cfg)
	if err != nil {
		return fmt.Errorf("error creating bot: %w", err)
	}
	defer b.Close()

	return b.Run()
}

func runCheckRules(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	dir := cfg.RuleSetDir
	if cctx.Args().Len() > 0 {
		dir = cctx.Args().First()
	}

	sets, errs := utils.LoadRuleSets(dir)
	for _, err := range errs {
		fmt.Printf("unreadable: %v\n", err)
	}
	out := cctx.String("out")
	for guildID, rs := range sets {
		clean, problems := rs.WithDefaults().Sanitize()
		if len(problems) == 0 {
			fmt.Printf("%s: ok\n", guildID)
		}
		for _, p := range problems {
			fmt.Printf("%s: %v\n", guildID, p)
		}
		if out != "" {
			if err := utils.SaveRuleSet(out, clean); err != nil {
				return err
			}
		}
	}
	if len(errs) > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

func runListReversals(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	db, err := database.Init(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := database.NewReversalDB(db)
	scheduled, err := store.ListScheduled(ctx)
	if err != nil {
		return err
	}
	abandoned, err := store.ListAbandoned(ctx)
	if err != nil {
		return err
	}
	for _, rev := range append(scheduled, abandoned...) {
		fmt.Fprintf(os.Stdout, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rev.ID, rev.Status, rev.Action, rev.GuildID, rev.MemberID, rev.DueAt.Local().Format(time.DateTime))
	}
	logrus.WithField("scheduled", len(scheduled)).WithField("abandoned", len(abandoned)).Info("reversals listed")
	return nil
}
