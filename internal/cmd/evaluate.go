package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/FairForge/aura/internal/rules"
)

var (
	evaluateRules   string
	evaluateData    string
	evaluateCatalog string
	evaluateAura    string
	evaluateAt      string
	evaluatePolicy  string
	evaluateExplain bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a rule file against one sense data snapshot",
	Long: `Evaluate the rules in a YAML rule file once against a JSON object of
sensor readings and print the rules that fire. History starts empty, so
cooldowns and frequency limits never block a rule here.`,
	Example: `  aura evaluate --rules rules.yaml --data snapshot.json --at 2026-06-03T08:30:00Z
  echo '{"temperature": 31}' | aura evaluate --rules rules.yaml --data - --explain`,
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVarP(&evaluateRules, "rules", "r", "", "Path to the YAML rule file")
	evaluateCmd.Flags().StringVarP(&evaluateData, "data", "d", "", "Path to a JSON sense data object, - for stdin")
	evaluateCmd.Flags().StringVar(&evaluateCatalog, "catalog", "", "Sensor catalog file layered over the built-in senses")
	evaluateCmd.Flags().StringVarP(&evaluateAura, "aura", "a", "", "Only evaluate rules of this Aura")
	evaluateCmd.Flags().StringVar(&evaluateAt, "at", "", "Evaluation time in RFC 3339 (default now)")
	evaluateCmd.Flags().StringVar(&evaluatePolicy, "policy", string(rules.PolicyUniform), "Frequency policy: uniform or sliding_window")
	evaluateCmd.Flags().BoolVar(&evaluateExplain, "explain", false, "Also list the rules that did not fire and why")
	_ = evaluateCmd.MarkFlagRequired("rules")
	_ = evaluateCmd.MarkFlagRequired("data")
}

type skipped struct {
	RuleID string           `json:"rule_id"`
	Name   string           `json:"name"`
	Reason rules.SkipReason `json:"reason"`
	Detail string           `json:"detail,omitempty"`
}

type evaluateOutput struct {
	EvaluatedAt time.Time      `json:"evaluated_at"`
	Results     []rules.Result `json:"results"`
	Skipped     []skipped      `json:"skipped,omitempty"`
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	policy, err := rules.ParsePolicyMode(evaluatePolicy)
	if err != nil {
		return err
	}

	now := time.Now()
	if evaluateAt != "" {
		now, err = time.Parse(time.RFC3339, evaluateAt)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
	}

	catalog, err := loadCatalog(evaluateCatalog)
	if err != nil {
		return err
	}

	ruleSet, err := rules.LoadRuleFile(evaluateRules, catalog)
	if err != nil {
		return err
	}
	if evaluateAura != "" {
		filtered := ruleSet[:0]
		for _, r := range ruleSet {
			if r.AuraID == evaluateAura {
				filtered = append(filtered, r)
			}
		}
		ruleSet = filtered
	}

	data, err := readSnapshot(cmd.InOrStdin(), evaluateData)
	if err != nil {
		return err
	}

	out := evaluateOutput{EvaluatedAt: now.UTC(), Results: []rules.Result{}}
	opts := []rules.Option{rules.WithPolicy(policy)}
	if evaluateExplain {
		opts = append(opts, rules.WithObserver(func(rule rules.BehaviorRule, outcome rules.Outcome) {
			if !outcome.Triggered {
				out.Skipped = append(out.Skipped, skipped{RuleID: rule.ID, Name: rule.Name, Reason: outcome.Reason, Detail: outcome.Detail})
			}
		}))
	}

	evaluator := rules.NewEvaluator(catalog, opts...)
	rc := rules.NewRuleContext(now, data, rules.DefaultPersonality())
	if results := evaluator.Evaluate(ruleSet, rc, rules.NewMemoryHistory(nil)); results != nil {
		out.Results = results
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func readSnapshot(stdin io.Reader, path string) (map[string]any, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sense data: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode sense data: %w", err)
	}
	return data, nil
}
