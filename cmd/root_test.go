package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/exchange-feed/internal/config"
	"github.com/sells-group/exchange-feed/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"worker", "serve", "submit", "discover", "migrate", "queues", "deadletter", "review", "subscribers", "digest"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "exchange-feed", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	require.NotNil(t, serveCmd.Flags().Lookup("with-workers"))
}

func TestSubmitCommand_Flags(t *testing.T) {
	for _, name := range []string{"owner-key", "source-id", "exchange", "company", "title", "published"} {
		assert.NotNil(t, submitCmd.Flags().Lookup(name), "submit should have --%s flag", name)
	}
}

func TestDeadletterCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range deadletterCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["redrive"])

	flag := deadletterListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
}

func TestSelectStages(t *testing.T) {
	all, err := selectStages(nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobTypes, all)

	got, err := selectStages([]string{"classify", " notify"})
	require.NoError(t, err)
	assert.Equal(t, []model.JobType{model.JobClassify, model.JobNotify}, got)

	_, err = selectStages([]string{"archive"})
	assert.Error(t, err)
}

func TestLiveQueue(t *testing.T) {
	got, err := liveQueue("persist.dead")
	require.NoError(t, err)
	assert.Equal(t, "persist", got)

	got, err = liveQueue("dedup")
	require.NoError(t, err)
	assert.Equal(t, "dedup", got)

	_, err = liveQueue("bogus.dead")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "ключ…", truncate("ключевой", 5))
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"Queue", "Depth"}, [][]string{{"scrape", "3"}, {"notify"}}, 1)
	assert.Contains(t, out, "QUEUE")
	assert.Contains(t, out, "scrape")
	assert.Contains(t, out, "notify")
	assert.Len(t, strings.Split(out, "\n"), 6)

	assert.Empty(t, renderTable(nil, nil))
}

func memoryQueueConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "feed.db")},
		Queue: config.QueueConfig{Driver: "memory", LeaseSecs: 300, PollIntervalMs: 10},
		Retry: config.RetryConfig{MaxAttempts: 3, BaseBackoffMs: 10, MaxBackoffMs: 100},
	}
}

func TestSubmit_RefusesMemoryQueue(t *testing.T) {
	prevCfg, prevOwner := cfg, submitOpts.ownerKey
	t.Cleanup(func() { cfg, submitOpts.ownerKey = prevCfg, prevOwner })

	cfg = memoryQueueConfig(t)
	submitOpts.ownerKey = "ISIN-X"
	submitCmd.SetContext(context.Background())

	err := submitCmd.RunE(submitCmd, []string{"https://example.com/1.pdf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires in-process workers")
}

func TestInitEnv_MemoryQueueModes(t *testing.T) {
	prevCfg, prevWith := cfg, serveWithWorkers
	t.Cleanup(func() { cfg, serveWithWorkers = prevCfg, prevWith })

	cfg = memoryQueueConfig(t)
	serveWithWorkers = false
	for _, mode := range []string{"migrate", "discover", "serve"} {
		assert.False(t, consumesOwnQueue(mode), mode)
	}
	_, err := initEnv(context.Background(), "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires in-process workers")

	assert.True(t, consumesOwnQueue("worker"))
	serveWithWorkers = true
	assert.True(t, consumesOwnQueue("serve"))
}

func TestInitEnv_DurableQueueAllowedForMigrate(t *testing.T) {
	prevCfg := cfg
	t.Cleanup(func() { cfg = prevCfg })

	cfg = memoryQueueConfig(t)
	cfg.Queue.Driver = "sqlite"
	env, err := initEnv(context.Background(), "migrate")
	require.NoError(t, err)
	env.Close()
}
