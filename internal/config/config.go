package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models ticketline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Defaults struct {
		Ticket struct {
			Type     string `yaml:"type"`
			Priority string `yaml:"priority"`
		} `yaml:"ticket"`
	} `yaml:"defaults"`
	Review struct {
		RequireDemoPassForDone bool   `yaml:"require_demo_pass_for_done"`
		AutoFindings           bool   `yaml:"auto_findings"`
		AutoFindingSeverity    string `yaml:"auto_finding_severity"`
		AttachmentMaxBytes     int64  `yaml:"attachment_max_bytes"`
	} `yaml:"review"`
	Demo struct {
		Templates map[string][]DemoTemplateStep `yaml:"templates"`
	} `yaml:"demo"`
	Reviewers []ReviewerConfig `yaml:"reviewers"`
	RBAC      struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// DemoTemplateStep is one scripted verification step in a demo template.
type DemoTemplateStep struct {
	Type            string `yaml:"type"`
	Description     string `yaml:"description"`
	ExpectedOutcome string `yaml:"expected_outcome"`
}

type ReviewerConfig struct {
	ActorID string `yaml:"actor_id"`
	Focus   string `yaml:"focus"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var ticketTypes = map[string]bool{"feature": true, "bug": true, "chore": true}

var priorities = map[string]bool{"low": true, "medium": true, "high": true}

var stepTypes = map[string]bool{"manual": true, "visual": true, "automated": true}

var findingSeverities = map[string]bool{"minor": true, "major": true, "blocker": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "software-project" {
		return fmt.Errorf("config.project.kind must be 'software-project'")
	}
	if t := c.Defaults.Ticket.Type; t != "" && !ticketTypes[t] {
		return fmt.Errorf("config.defaults.ticket.type %s is not a ticket type", t)
	}
	if p := c.Defaults.Ticket.Priority; p != "" && !priorities[p] {
		return fmt.Errorf("config.defaults.ticket.priority %s is not a priority", p)
	}
	if s := c.Review.AutoFindingSeverity; s != "" && !findingSeverities[s] {
		return fmt.Errorf("config.review.auto_finding_severity %s is not a severity", s)
	}
	if c.Review.AttachmentMaxBytes < 0 {
		return fmt.Errorf("config.review.attachment_max_bytes must not be negative")
	}
	for ticketType, steps := range c.Demo.Templates {
		if !ticketTypes[ticketType] {
			return fmt.Errorf("demo template %s is not a ticket type", ticketType)
		}
		if len(steps) == 0 {
			return fmt.Errorf("demo template %s has no steps", ticketType)
		}
		for i, step := range steps {
			if step.Description == "" {
				return fmt.Errorf("demo template %s step %d has empty description", ticketType, i+1)
			}
			if step.Type != "" && !stepTypes[step.Type] {
				return fmt.Errorf("demo template %s step %d has unknown type %s", ticketType, i+1, step.Type)
			}
		}
	}
	for i, rv := range c.Reviewers {
		if rv.ActorID == "" {
			return fmt.Errorf("config.reviewers[%d] has empty actor_id", i)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d] has empty url", i)
		}
		for _, evt := range hook.Events {
			if evt == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event pattern", i)
			}
		}
	}
	return nil
}

// TemplateFor returns the demo template steps for a ticket type, or nil when
// the config does not define one.
func (c *Config) TemplateFor(ticketType string) []DemoTemplateStep {
	if c == nil || c.Demo.Templates == nil {
		return nil
	}
	return c.Demo.Templates[ticketType]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ticketline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "software-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: software-project

defaults:
  ticket:
    type: feature
    priority: medium

review:
  require_demo_pass_for_done: true
  auto_findings: true
  auto_finding_severity: major
  attachment_max_bytes: 4194304

demo:
  templates:
    feature:
      - type: manual
        description: "Walk through the happy path described in the ticket"
        expected_outcome: "Behaves as described, no errors"
      - type: visual
        description: "Check the affected screens for layout regressions"
        expected_outcome: "Layout matches the agreed design"
      - type: automated
        description: "Run the test suite covering the changed area"
        expected_outcome: "All tests pass"
    bug:
      - type: manual
        description: "Reproduce the original issue on the previous build"
        expected_outcome: "Issue reproduces as reported"
      - type: manual
        description: "Repeat the reproduction steps on this build"
        expected_outcome: "Issue no longer occurs"
      - type: automated
        description: "Run the regression test added for this bug"
        expected_outcome: "Regression test passes"
    chore:
      - type: manual
        description: "Confirm the change is in place"
        expected_outcome: "Change applied, nothing else affected"

rbac:
  roles:
    owner:
      description: "Project owner"
      permissions:
        - project.admin
        - ticket.write
        - ticket.comment
        - demo.create
        - demo.review
        - finding.write
    admin:
      description: "Can administer the project"
      permissions:
        - project.admin
        - ticket.write
        - ticket.comment
        - demo.create
        - demo.review
        - finding.write
    developer:
      description: "Creates and works tickets"
      permissions:
        - ticket.write
        - ticket.comment
        - demo.create
    reviewer:
      description: "Verifies demo scripts and records verdicts"
      permissions:
        - ticket.comment
        - demo.review
        - finding.write
    viewer:
      description: "Read-only access"
      permissions: []
`
