package bot

import (
	"context"
	"discord-automod/automod"
	"discord-automod/escalation"
	"discord-automod/model"
	"discord-automod/platform"
	"discord-automod/punish"
	"discord-automod/scheduler"
	"discord-automod/utils"
	"discord-automod/utils/database"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisPrefix = "automod:"

type Bot struct {
	Session   *discordgo.Session
	config    atomic.Value // *model.Config
	DB        *sqlx.DB
	Redis     *redis.Client
	Platform  *platform.Discord
	Enforcer  *automod.Enforcer
	Reversals *scheduler.Scheduler
	LogSink   *utils.LogChannel
	tasks     *Scheduler
	logger    *logrus.Entry
}

func (b *Bot) GetConfig() *model.Config {
	return b.config.Load().(*model.Config)
}

// New wires the session, the stores and the enforcement core. Pending
// reversals and violation counters live in redis when a redis URL is
// configured, otherwise in the sqlite database.
func New(cfg *model.Config) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessageReactions
	dg.StateEnabled = true

	db, err := database.Init(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	b := &Bot{
		Session: dg,
		DB:      db,
		logger:  logrus.WithField("module", "Bot"),
	}
	b.config.Store(cfg)

	var (
		reversalStore  scheduler.Store  = database.NewReversalDB(db)
		violationStore escalation.Store = database.NewViolationDB(db)
	)
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, err
		}
		b.Redis = client
		reversalStore = database.NewRedisReversals(client, redisPrefix)
		violationStore = database.NewRedisViolations(client, redisPrefix, 30*24*time.Hour)
		b.logger.Info("using redis for reversals and violation counters")
	}

	b.Platform = platform.NewDiscord(dg, 5*time.Minute)
	ledger := escalation.NewLedger(violationStore)

	var executor *punish.Executor
	b.Reversals = scheduler.New(reversalStore, scheduler.ReverserFunc(func(ctx context.Context, rev model.PendingReversal) error {
		return executor.Reverse(ctx, rev)
	}), scheduler.Config{
		PollInterval:   cfg.Scheduler.PollInterval,
		MaxAttempts:    cfg.Scheduler.MaxAttempts,
		InitialBackoff: cfg.Scheduler.InitialBackoff,
		MaxBackoff:     cfg.Scheduler.MaxBackoff,
		ClaimTimeout:   cfg.Scheduler.ClaimTimeout,
	})
	executor = punish.NewExecutor(b.Platform, b.Reversals, ledger)

	b.LogSink = utils.NewLogChannel(dg, cfg.LogChannelID, b.guildLogChannel)
	audit := automod.NewAudit(database.NewPunishmentLogDB(db), b.LogSink, b.selfID)
	executor.SetAuditor(audit)
	b.Reversals.OnAbandon(audit.ReversalAbandoned)
	b.Enforcer = automod.New(b.Platform, executor, b.Reversals, ledger, automod.Options{})
	b.tasks = NewScheduler(b)
	return b, nil
}

func (b *Bot) guildLogChannel(guildID string) string {
	if rs, ok := b.Enforcer.RuleSet(guildID); ok {
		return rs.LogChannelID
	}
	return ""
}

func (b *Bot) selfID() string {
	b.Session.State.RLock()
	defer b.Session.State.RUnlock()
	if u := b.Session.State.User; u != nil {
		return u.ID
	}
	return ""
}

// ConfigureGuild applies the stored rule set of a guild, if there is one.
func (b *Bot) ConfigureGuild(ctx context.Context, guildID string) {
	rs, ok := b.GetConfig().RuleSets[guildID]
	if !ok {
		b.logger.WithField("guild", guildID).Debug("no rule set for guild, automod inactive")
		return
	}
	if err := b.Enforcer.Configure(ctx, guildID, rs); err != nil {
		b.logger.WithError(err).WithField("guild", guildID).Error("failed to configure guild")
	}
}

// ReloadRuleSets rereads the rule set directory and reconfigures every guild in it.
func (b *Bot) ReloadRuleSets(ctx context.Context) {
	cfg := b.GetConfig()
	sets, errs := utils.LoadRuleSets(cfg.RuleSetDir)
	for _, err := range errs {
		b.logger.WithError(err).Warn("rule set skipped")
	}
	next := *cfg
	next.RuleSets = sets
	b.config.Store(&next)
	for guildID := range sets {
		b.ConfigureGuild(ctx, guildID)
	}
	b.logger.WithField("guilds", len(sets)).Info("rule sets reloaded")
}

func (b *Bot) Close() {
	b.logger.Info("Gracefully shutting down.")
	b.tasks.Stop()
	b.Session.Close()
	if b.Redis != nil {
		b.Redis.Close()
	}
	b.DB.Close()
}
