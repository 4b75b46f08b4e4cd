// Package sigma evaluates Sigma rules against every ranked stack of a
// collector report.
package sigma

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jnesss/stack-analyzer/collector"
	"github.com/jnesss/stack-analyzer/database"
	"github.com/jnesss/stack-analyzer/process"
)

// Store receives rule matches
type Store interface {
	InsertMatch(database.Match) (int64, error)
}

// Detector manages Sigma rules and detection
type Detector struct {
	RulesDir string

	store   Store
	procs   *process.Cache
	log     *zap.Logger
	watcher *fsnotify.Watcher

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Rule         sigma.Rule
	MatchDetails []string
}

func fieldConfig() sigma.Config {
	fields := []string{
		"Collector", "Type", "Unit", "ProcessId", "Image", "CommandLine",
		"Comm", "ContainerId", "Value", "UserStackId", "KernelStackId",
	}
	mappings := make(map[string]sigma.FieldMapping, len(fields))
	for _, f := range fields {
		mappings[f] = sigma.FieldMapping{TargetNames: []string{f}}
	}
	return sigma.Config{Title: "Stack Analyzer Config", FieldMappings: mappings}
}

// NewDetector loads the rules in rulesDir and reloads them whenever a rule
// file changes. store may be nil, in which case matches are only logged.
func NewDetector(rulesDir string, store Store, log *zap.Logger) (*Detector, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create rules directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	d := &Detector{
		RulesDir:   rulesDir,
		store:      store,
		log:        log.Named("sigma"),
		watcher:    watcher,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}

	if err := d.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	if err := watcher.Add(rulesDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", rulesDir, err)
	}
	go d.watchFileChanges()

	d.log.Info("Watching directory for changes", zap.String("dir", rulesDir))
	return d, nil
}

// SetProcessCache resolves executables and command lines of matched pids
func (d *Detector) SetProcessCache(c *process.Cache) {
	d.procs = c
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

func (d *Detector) watchFileChanges() {
	defer close(d.stopped)
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				d.log.Info("Detected rule change",
					zap.String("file", event.Name),
					zap.String("op", event.Op.String()))
				if err := d.LoadRules(); err != nil {
					d.log.Warn("Failed to reload rules", zap.Error(err))
				}
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("File watcher error", zap.Error(err))

		case <-d.done:
			return
		}
	}
}

// LoadRules replaces the active rules with every rule file in RulesDir.
// Files that fail to parse are skipped.
func (d *Detector) LoadRules() error {
	entries, err := os.ReadDir(d.RulesDir)
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		path := filepath.Join(d.RulesDir, entry.Name())
		ev, err := loadRuleFile(path)
		if err != nil {
			d.log.Warn("Failed to load rule file", zap.String("file", path), zap.Error(err))
			continue
		}
		evaluators[ev.Rule.ID] = ev
		d.log.Debug("Loaded rule", zap.String("title", ev.Rule.Title), zap.String("id", ev.Rule.ID))
	}

	d.mu.Lock()
	d.evaluators = evaluators
	d.mu.Unlock()

	d.log.Info("Loaded Sigma rules", zap.Int("count", len(evaluators)), zap.String("dir", d.RulesDir))
	return nil
}

func loadRuleFile(path string) (*evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if sigma.InferFileType(content) != sigma.RuleFile {
		return nil, fmt.Errorf("file is not a Sigma rule: %s", path)
	}
	rule, err := sigma.ParseRule(content)
	if err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return evaluator.ForRule(rule,
		evaluator.WithConfig(fieldConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		})), nil
}

// Rules returns the number of active rules
func (d *Detector) Rules() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.evaluators)
}

// CheckEvent evaluates every rule against one event
func (d *Detector) CheckEvent(ctx context.Context, event map[string]interface{}) []MatchResult {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var results []MatchResult
	for id, ev := range d.evaluators {
		result, err := ev.Matches(ctx, event)
		if err != nil {
			d.log.Debug("Failed to evaluate rule", zap.String("rule", id), zap.Error(err))
			continue
		}
		if !result.Match {
			continue
		}

		var conditions []string
		for k, v := range result.SearchResults {
			if v {
				conditions = append(conditions, k)
			}
		}
		results = append(results, MatchResult{
			Rule:         ev.Rule,
			MatchDetails: []string{fmt.Sprintf("Matched conditions: %s", strings.Join(conditions, ", "))},
		})
	}
	return results
}

// events turns every item of a report into a rule event
func (d *Detector) events(r collector.Report) []map[string]interface{} {
	events := make([]map[string]interface{}, 0, len(r.Items))
	for _, it := range r.Items {
		event := map[string]interface{}{
			"Collector":     r.Collector,
			"Type":          r.Scale.Type,
			"Unit":          r.Scale.Unit,
			"ProcessId":     int64(it.Key.Pid),
			"Value":         r.Scaled(it),
			"UserStackId":   int64(it.Key.Usid),
			"KernelStackId": int64(it.Key.Ksid),
		}
		if task, ok := r.Tasks[it.Key.Pid]; ok {
			event["Comm"] = task.Comm
			event["ContainerId"] = task.ContainerID
		}
		if d.procs != nil {
			info := d.procs.Get(int32(it.Key.Pid))
			if info.ExePath != "" {
				event["Image"] = info.ExePath
			}
			if info.CmdLine != "" {
				event["CommandLine"] = info.CmdLine
			}
			if _, ok := event["Comm"]; !ok && info.Comm != "" {
				event["Comm"] = info.Comm
			}
		}
		events = append(events, event)
	}
	return events
}

// Emit evaluates the rules against a report, storing every match
func (d *Detector) Emit(r collector.Report) error {
	if d.Rules() == 0 {
		return nil
	}

	ctx := context.Background()
	for _, event := range d.events(r) {
		for _, m := range d.CheckEvent(ctx, event) {
			d.log.Info("Event matched rule",
				zap.String("rule", m.Rule.ID),
				zap.String("title", m.Rule.Title),
				zap.String("collector", r.Collector),
				zap.Any("pid", event["ProcessId"]))
			if d.store == nil {
				continue
			}
			if err := d.storeMatch(r, m, event); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Detector) storeMatch(r collector.Report, m MatchResult, event map[string]interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	image, _ := event["Image"].(string)
	if image == "" {
		image, _ = event["Comm"].(string)
	}
	pid, _ := event["ProcessId"].(int64)
	value, _ := event["Value"].(float64)

	_, err = d.store.InsertMatch(database.Match{
		RuleID:       m.Rule.ID,
		RuleName:     m.Rule.Title,
		Severity:     m.Rule.Level,
		Collector:    r.Collector,
		ProcessID:    pid,
		Image:        image,
		Value:        value,
		Timestamp:    r.Time,
		MatchDetails: m.MatchDetails,
		EventData:    string(data),
	})
	if err != nil {
		return fmt.Errorf("failed to store match for rule %s: %w", m.Rule.ID, err)
	}
	return nil
}

// Close stops watching the rules directory
func (d *Detector) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		<-d.stopped
		err = d.watcher.Close()
	})
	return err
}
