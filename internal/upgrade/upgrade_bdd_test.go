package upgrade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cucumber/godog"

	"i-vis/internal/config"
	xerrors "i-vis/internal/errors"
	"i-vis/internal/pipeline"
	"i-vis/internal/resource"
	"i-vis/internal/storage"
	"i-vis/internal/version"
	"i-vis/pkg/plugin"
)

// fakeRemote 下载走真实的 file:// 实现，远程版本由场景控制。
type fakeRemote struct {
	*resource.Client
	mu       sync.Mutex
	versions map[string]string
}

func (f *fakeRemote) Probe(_ context.Context, d resource.Descriptor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[d.Plugin], nil
}

type recordedEvent struct {
	eventType string
	subject   string
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Publish(_ context.Context, eventType, subject string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{eventType: eventType, subject: subject})
	return nil
}

type upgradeBDDTestContext struct {
	root     string
	db       *storage.DB
	remote   *fakeRemote
	events   *eventRecorder
	service  *Service
	sources  map[string]string
	outcome  version.Outcome
	result   *Result
	lastErr  error
	cleanups []func()
}

func (c *upgradeBDDTestContext) reset() {
	for _, fn := range c.cleanups {
		fn()
	}
	*c = upgradeBDDTestContext{sources: make(map[string]string)}
}

func (c *upgradeBDDTestContext) aPluginWhoseSourceTableHasRows(name string, rows int) error {
	root, err := os.MkdirTemp("", "ivis-upgrade-*")
	if err != nil {
		return err
	}
	c.root = root
	c.cleanups = append(c.cleanups, func() { _ = os.RemoveAll(root) })

	src := filepath.Join(root, "remote", name+".tsv")
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		return err
	}
	content := "gene\tevidence\n"
	for i := 0; i < rows; i++ {
		content += fmt.Sprintf("GENE%d\tlevel %d\n", i, i)
	}
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		return err
	}
	c.sources[name] = src

	db, err := storage.OpenAndMigrate(context.Background(), config.DatabaseConfig{
		Driver: storage.DialectSQLite,
		DSN:    filepath.Join(root, "ivis.db"),
	})
	if err != nil {
		return err
	}
	c.db = db
	c.cleanups = append(c.cleanups, func() { _ = db.Close() })

	registry := plugin.NewRegistry()
	if err := registry.Register(plugin.Spec{
		Name: name,
		Type: plugin.TypeDataSource,
		Resources: []plugin.ResourceSpec{{
			Name:  "table",
			URL:   "file://" + src,
			Probe: &plugin.ProbeSpec{Kind: "static", Value: "unused"},
		}},
		Steps: []plugin.StepSpec{
			{Name: "download", Kind: plugin.StepExtract, Op: pipeline.OpFetch, Resource: "table"},
			{Name: "evidence", Kind: plugin.StepLoad, Op: pipeline.OpLoadTable, Args: map[string]string{"table": name + "_evidence"}},
		},
	}); err != nil {
		return err
	}

	store, err := version.NewSQLStore(db)
	if err != nil {
		return err
	}
	c.remote = &fakeRemote{Client: resource.NewClient(), versions: make(map[string]string)}
	c.events = &eventRecorder{}
	c.service, err = New(registry, version.NewTracker(store), c.remote, filepath.Join(root, "data"),
		WithDatabase(db), WithPublisher(c.events))
	return err
}

func (c *upgradeBDDTestContext) theRemoteVersionIs(name, v string) error {
	c.remote.mu.Lock()
	defer c.remote.mu.Unlock()
	c.remote.versions[name] = v
	return nil
}

func (c *upgradeBDDTestContext) iRunUpdateFor(name string) error {
	results, err := c.service.Update(context.Background(), name)
	if err != nil {
		return err
	}
	if len(results) != 1 {
		return fmt.Errorf("expected one update result, got %d", len(results))
	}
	c.outcome = results[0].Outcome
	return nil
}

func (c *upgradeBDDTestContext) theUpdateOutcomeIs(outcome string) error {
	if string(c.outcome) != outcome {
		return fmt.Errorf("expected outcome %s, got %s", outcome, c.outcome)
	}
	return nil
}

func (c *upgradeBDDTestContext) upgrade(name string, opts Options) error {
	c.result, c.lastErr = c.service.Upgrade(context.Background(), name, opts)
	return nil
}

func (c *upgradeBDDTestContext) iUpgrade(name string) error {
	return c.upgrade(name, Options{})
}

func (c *upgradeBDDTestContext) iUpgradeOmittingTheETL(name string) error {
	return c.upgrade(name, Options{OmitETL: true})
}

func (c *upgradeBDDTestContext) iResumeTheUpgradeOf(name string) error {
	return c.upgrade(name, Options{Resume: true})
}

func (c *upgradeBDDTestContext) iUpgradeInMode(name, mode string) error {
	m, err := pipeline.ParseMode(mode)
	if err != nil {
		return err
	}
	return c.upgrade(name, Options{Mode: m})
}

func (c *upgradeBDDTestContext) isInstalledAt(name, v string) error {
	if err := c.theRemoteVersionIs(name, v); err != nil {
		return err
	}
	if err := c.iRunUpdateFor(name); err != nil {
		return err
	}
	if err := c.iUpgrade(name); err != nil {
		return err
	}
	return c.theUpgradeSucceeds()
}

func (c *upgradeBDDTestContext) isFrozen(name string) error {
	_, err := c.service.Tracker().Freeze(context.Background(), name, true)
	return err
}

func (c *upgradeBDDTestContext) theSourceFileDisappears(name string) error {
	return os.Remove(c.sources[name])
}

func (c *upgradeBDDTestContext) theUpgradeSucceeds() error {
	if c.lastErr != nil {
		return fmt.Errorf("expected upgrade to succeed: %w", c.lastErr)
	}
	return nil
}

func (c *upgradeBDDTestContext) theUpgradeFails() error {
	if c.lastErr == nil {
		return errors.New("expected upgrade to fail")
	}
	return nil
}

func (c *upgradeBDDTestContext) theUpgradeFailsWithCode(code string) error {
	if !xerrors.HasCode(c.lastErr, xerrors.Code(code)) {
		return fmt.Errorf("expected error code %s, got %v", code, c.lastErr)
	}
	return nil
}

func (c *upgradeBDDTestContext) state(name string) (version.State, error) {
	return c.service.Tracker().State(context.Background(), name)
}

func (c *upgradeBDDTestContext) hasInstalledVersionAndNoPending(name, v string) error {
	st, err := c.state(name)
	if err != nil {
		return err
	}
	if st.Installed != v || st.Pending != "" {
		return fmt.Errorf("expected installed %s without pending, got installed=%q pending=%q", v, st.Installed, st.Pending)
	}
	return nil
}

func (c *upgradeBDDTestContext) hasPendingVersion(name, v string) error {
	st, err := c.state(name)
	if err != nil {
		return err
	}
	if st.Pending != v {
		return fmt.Errorf("expected pending %s, got %q", v, st.Pending)
	}
	return nil
}

func (c *upgradeBDDTestContext) hasNoInstalledVersion(name string) error {
	st, err := c.state(name)
	if err != nil {
		return err
	}
	if st.Installed != "" || st.Pending != "" {
		return fmt.Errorf("expected a pristine plugin, got installed=%q pending=%q", st.Installed, st.Pending)
	}
	return nil
}

func (c *upgradeBDDTestContext) theIntegratedStoreHoldsRows(rows int, name string) error {
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM etl_rows WHERE plugin = ?`, name).Scan(&n); err != nil {
		return err
	}
	if n != rows {
		return fmt.Errorf("expected %d rows, got %d", rows, n)
	}
	return nil
}

func (c *upgradeBDDTestContext) anEventWasPublished(eventType, subject string) error {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	for _, e := range c.events.events {
		if e.eventType == eventType && e.subject == subject {
			return nil
		}
	}
	return fmt.Errorf("no %s event for %s in %+v", eventType, subject, c.events.events)
}

// InitializeUpgradeScenario 注册升级场景的步骤。
func InitializeUpgradeScenario(ctx *godog.ScenarioContext) {
	testCtx := &upgradeBDDTestContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		testCtx.reset()
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		testCtx.reset()
		return ctx, nil
	})

	ctx.Step(`^a plugin "([^"]*)" whose source table has (\d+) rows$`, testCtx.aPluginWhoseSourceTableHasRows)
	ctx.Step(`^the remote version of "([^"]*)" is "([^"]*)"$`, testCtx.theRemoteVersionIs)
	ctx.Step(`^I run update for "([^"]*)"$`, testCtx.iRunUpdateFor)
	ctx.Step(`^the update outcome is "([^"]*)"$`, testCtx.theUpdateOutcomeIs)
	ctx.Step(`^"([^"]*)" is installed at "([^"]*)"$`, testCtx.isInstalledAt)
	ctx.Step(`^"([^"]*)" is frozen$`, testCtx.isFrozen)
	ctx.Step(`^the source file of "([^"]*)" disappears$`, testCtx.theSourceFileDisappears)

	ctx.Step(`^I upgrade "([^"]*)"$`, testCtx.iUpgrade)
	ctx.Step(`^I upgrade "([^"]*)" again$`, testCtx.iUpgrade)
	ctx.Step(`^I upgrade "([^"]*)" omitting the ETL$`, testCtx.iUpgradeOmittingTheETL)
	ctx.Step(`^I resume the upgrade of "([^"]*)"$`, testCtx.iResumeTheUpgradeOf)
	ctx.Step(`^I upgrade "([^"]*)" in "([^"]*)" mode$`, testCtx.iUpgradeInMode)

	ctx.Step(`^the upgrade succeeds$`, testCtx.theUpgradeSucceeds)
	ctx.Step(`^the upgrade fails$`, testCtx.theUpgradeFails)
	ctx.Step(`^the upgrade fails with code "([^"]*)"$`, testCtx.theUpgradeFailsWithCode)
	ctx.Step(`^"([^"]*)" has installed version "([^"]*)" and no pending upgrade$`, testCtx.hasInstalledVersionAndNoPending)
	ctx.Step(`^"([^"]*)" has pending version "([^"]*)"$`, testCtx.hasPendingVersion)
	ctx.Step(`^"([^"]*)" has no installed version$`, testCtx.hasNoInstalledVersion)
	ctx.Step(`^the integrated store holds (\d+) rows for "([^"]*)"$`, testCtx.theIntegratedStoreHoldsRows)
	ctx.Step(`^a "([^"]*)" event was published for "([^"]*)"$`, testCtx.anEventWasPublished)
}

// TestUpgradeFeatures 运行升级生命周期的 BDD 场景。
func TestUpgradeFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeUpgradeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/upgrade.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
