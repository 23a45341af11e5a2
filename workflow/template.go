// Package workflow holds the template catalog and the engine that
// materializes and executes a workflow per job: ordered steps with
// per-step timeout and retry budgets, rollback strategies, and event
// publication at every transition.
package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

// StepType resolves a step to its executor.
type StepType string

const (
	StepValidation         StepType = "validation"
	StepResourceAllocation StepType = "resource_allocation"
	StepMediaDownload      StepType = "media_download"
	StepVideoProcessing    StepType = "video_processing"
	StepS3Upload           StepType = "s3_upload"
	StepDatabaseUpdate     StepType = "database_update"
	StepCleanup            StepType = "cleanup"
)

// Step is one unit of a workflow template.
type Step struct {
	Name    string        `yaml:"name" json:"name"`
	Type    StepType      `yaml:"type" json:"type"`
	Timeout core.Duration `yaml:"timeout" json:"timeout"`
	// Critical steps fail the workflow on error; non-critical steps
	// retry and then continue.
	Critical     bool                   `yaml:"critical" json:"critical"`
	MaxRetries   int                    `yaml:"max_retries" json:"max_retries"`
	RetryBackoff core.Duration          `yaml:"retry_backoff" json:"retry_backoff"`
	Params       map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
}

// RollbackTrigger categorizes the failure that activates a strategy.
type RollbackTrigger string

const (
	TriggerStepFailure        RollbackTrigger = "step_failure"
	TriggerTimeout            RollbackTrigger = "timeout"
	TriggerResourceExhaustion RollbackTrigger = "resource_exhaustion"
	// TriggerManual fires on cancellation.
	TriggerManual RollbackTrigger = "manual"
)

// RollbackAction names one compensating action.
type RollbackAction string

const (
	ActionCleanupResources RollbackAction = "cleanup_resources"
	ActionDeleteFiles      RollbackAction = "delete_files"
	ActionUpdateDatabase   RollbackAction = "update_database"
	ActionSendNotification RollbackAction = "send_notification"
)

// RollbackStrategy pairs a trigger with its compensating actions.
type RollbackStrategy struct {
	Trigger RollbackTrigger  `yaml:"trigger" json:"trigger"`
	Actions []RollbackAction `yaml:"actions" json:"actions"`
}

// Template is an immutable recipe. The engine copies its step list per
// execution so templates are never mutated.
type Template struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// TotalTimeout bounds the whole execution. Zero means only the
	// per-step timeouts apply.
	TotalTimeout core.Duration      `yaml:"total_timeout,omitempty" json:"total_timeout,omitempty"`
	Steps        []Step             `yaml:"steps" json:"steps"`
	Rollback     []RollbackStrategy `yaml:"rollback,omitempty" json:"rollback,omitempty"`
}

// Template names. One per processing strategy.
const (
	TemplateQuickSync         = "quick_sync"
	TemplateBalancedAsync     = "balanced_async"
	TemplateResourceIntensive = "resource_intensive"
	TemplateDistributed       = "distributed"
)

var standardRollback = []RollbackStrategy{
	{Trigger: TriggerStepFailure, Actions: []RollbackAction{ActionCleanupResources, ActionDeleteFiles, ActionUpdateDatabase}},
	{Trigger: TriggerTimeout, Actions: []RollbackAction{ActionCleanupResources, ActionDeleteFiles, ActionUpdateDatabase, ActionSendNotification}},
	{Trigger: TriggerResourceExhaustion, Actions: []RollbackAction{ActionCleanupResources, ActionSendNotification}},
	{Trigger: TriggerManual, Actions: []RollbackAction{ActionCleanupResources, ActionDeleteFiles}},
}

// DefaultTemplates returns the built-in catalog. Heavier templates get
// longer step timeouts and more retry headroom.
func DefaultTemplates() []*Template {
	return []*Template{
		{
			Name:         TemplateQuickSync,
			Description:  "Small compositions processed inline",
			TotalTimeout: core.Duration(5 * time.Minute),
			Steps: []Step{
				{Name: "validate", Type: StepValidation, Timeout: core.Duration(10 * time.Second), Critical: true},
				{Name: "download media", Type: StepMediaDownload, Timeout: core.Duration(60 * time.Second), Critical: true, MaxRetries: 2, RetryBackoff: core.Duration(2 * time.Second)},
				{Name: "process video", Type: StepVideoProcessing, Timeout: core.Duration(2 * time.Minute), Critical: true},
				{Name: "upload result", Type: StepS3Upload, Timeout: core.Duration(60 * time.Second), Critical: true, MaxRetries: 2, RetryBackoff: core.Duration(2 * time.Second)},
				{Name: "persist status", Type: StepDatabaseUpdate, Timeout: core.Duration(10 * time.Second), MaxRetries: 3, RetryBackoff: core.Duration(time.Second)},
				{Name: "cleanup", Type: StepCleanup, Timeout: core.Duration(30 * time.Second)},
			},
			Rollback: standardRollback,
		},
		{
			Name:         TemplateBalancedAsync,
			Description:  "Mid-size compositions processed by the queue",
			TotalTimeout: core.Duration(20 * time.Minute),
			Steps: []Step{
				{Name: "validate", Type: StepValidation, Timeout: core.Duration(10 * time.Second), Critical: true},
				{Name: "allocate resources", Type: StepResourceAllocation, Timeout: core.Duration(30 * time.Second), Critical: true, MaxRetries: 2, RetryBackoff: core.Duration(5 * time.Second)},
				{Name: "download media", Type: StepMediaDownload, Timeout: core.Duration(3 * time.Minute), Critical: true, MaxRetries: 3, RetryBackoff: core.Duration(5 * time.Second)},
				{Name: "process video", Type: StepVideoProcessing, Timeout: core.Duration(8 * time.Minute), Critical: true},
				{Name: "upload result", Type: StepS3Upload, Timeout: core.Duration(3 * time.Minute), Critical: true, MaxRetries: 3, RetryBackoff: core.Duration(5 * time.Second)},
				{Name: "persist status", Type: StepDatabaseUpdate, Timeout: core.Duration(10 * time.Second), MaxRetries: 3, RetryBackoff: core.Duration(time.Second)},
				{Name: "cleanup", Type: StepCleanup, Timeout: core.Duration(60 * time.Second)},
			},
			Rollback: standardRollback,
		},
		{
			Name:         TemplateResourceIntensive,
			Description:  "Large compositions needing dedicated resources",
			TotalTimeout: core.Duration(time.Hour),
			Steps: []Step{
				{Name: "validate", Type: StepValidation, Timeout: core.Duration(10 * time.Second), Critical: true},
				{Name: "allocate resources", Type: StepResourceAllocation, Timeout: core.Duration(60 * time.Second), Critical: true, MaxRetries: 3, RetryBackoff: core.Duration(10 * time.Second)},
				{Name: "download media", Type: StepMediaDownload, Timeout: core.Duration(10 * time.Minute), Critical: true, MaxRetries: 3, RetryBackoff: core.Duration(10 * time.Second)},
				{Name: "process video", Type: StepVideoProcessing, Timeout: core.Duration(30 * time.Minute), Critical: true},
				{Name: "upload result", Type: StepS3Upload, Timeout: core.Duration(10 * time.Minute), Critical: true, MaxRetries: 3, RetryBackoff: core.Duration(10 * time.Second)},
				{Name: "persist status", Type: StepDatabaseUpdate, Timeout: core.Duration(10 * time.Second), MaxRetries: 3, RetryBackoff: core.Duration(time.Second)},
				{Name: "cleanup", Type: StepCleanup, Timeout: core.Duration(2 * time.Minute)},
			},
			Rollback: standardRollback,
		},
		{
			Name:         TemplateDistributed,
			Description:  "Maximum-scale compositions split across workers",
			TotalTimeout: core.Duration(2 * time.Hour),
			Steps: []Step{
				{Name: "validate", Type: StepValidation, Timeout: core.Duration(10 * time.Second), Critical: true},
				{Name: "allocate resources", Type: StepResourceAllocation, Timeout: core.Duration(2 * time.Minute), Critical: true, MaxRetries: 5, RetryBackoff: core.Duration(15 * time.Second)},
				{Name: "download media", Type: StepMediaDownload, Timeout: core.Duration(20 * time.Minute), Critical: true, MaxRetries: 5, RetryBackoff: core.Duration(15 * time.Second)},
				{Name: "process video", Type: StepVideoProcessing, Timeout: core.Duration(time.Hour), Critical: true},
				{Name: "upload result", Type: StepS3Upload, Timeout: core.Duration(20 * time.Minute), Critical: true, MaxRetries: 5, RetryBackoff: core.Duration(15 * time.Second)},
				{Name: "persist status", Type: StepDatabaseUpdate, Timeout: core.Duration(10 * time.Second), MaxRetries: 3, RetryBackoff: core.Duration(time.Second)},
				{Name: "cleanup", Type: StepCleanup, Timeout: core.Duration(5 * time.Minute)},
			},
			Rollback: standardRollback,
		},
	}
}

// LoadTemplates reads a yaml catalog from disk, for deployments that
// override the built-ins.
func LoadTemplates(path string) ([]*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template catalog: %w", err)
	}
	var catalog struct {
		Templates []*Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog: %w", err)
	}
	for _, tpl := range catalog.Templates {
		if tpl.Name == "" {
			return nil, fmt.Errorf("template without a name in %s", path)
		}
		if len(tpl.Steps) == 0 {
			return nil, fmt.Errorf("template %s has no steps", tpl.Name)
		}
	}
	return catalog.Templates, nil
}

// SelectTemplate maps a validated request onto a template name. Pure
// function of element count, output pixels, and video presence.
func SelectTemplate(req *core.VideoJobRequest) string {
	elements := len(req.Elements)
	pixels := req.Pixels()

	switch {
	case elements <= 2 && pixels <= 1920*1080 && !req.HasVideoElement():
		return TemplateQuickSync
	case elements <= 5 && pixels <= 2560*1440:
		return TemplateBalancedAsync
	case elements <= 10 && pixels <= 3840*2160:
		return TemplateResourceIntensive
	default:
		return TemplateDistributed
	}
}
