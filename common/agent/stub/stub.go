// Package stub provides deterministic in-process agents for development and
// tests. Outputs are derived from the request id so repeated runs of the
// same request produce identical documents.
package stub

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
	"unicode"

	"github.com/meridianhealth/researchflow/common/agent"
	"github.com/meridianhealth/researchflow/common/state"
)

// Script overrides a stub's default behavior for chosen invocations. Tests
// use it to inject failures and shape verdicts.
type Script struct {
	// Fail returns a non-nil error for invocations that should fail.
	Fail func(task agent.Task, inv agent.Invocation) error
	// Feasible, when set, decides the feasibility verdict.
	Feasible func(input agent.FeasibilityInput) bool
	// QAPass, when set, decides the QA verdict.
	QAPass func(input agent.QAInput) bool
}

// Suite is the full set of stub agents keyed by agent id.
type Suite struct {
	script Script
}

// NewSuite creates the stub suite with default behavior: everything
// succeeds, feasibility and QA pass.
func NewSuite() *Suite {
	return &Suite{}
}

// NewScriptedSuite creates a suite whose behavior the script controls.
func NewScriptedSuite(script Script) *Suite {
	return &Suite{script: script}
}

// RegisterAll binds every stub agent into a registry.
func (s *Suite) RegisterAll(registry *agent.Registry) {
	for _, id := range agent.AllAgentIDs {
		registry.Register(id, s)
	}
}

// Execute dispatches a task to its stub implementation.
func (s *Suite) Execute(ctx context.Context, task agent.Task, input any, inv agent.Invocation) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.script.Fail != nil {
		if err := s.script.Fail(task, inv); err != nil {
			return nil, err
		}
	}

	switch task {
	case agent.TaskGatherRequirements:
		in, err := agent.Decode[agent.GatherInput](input)
		if err != nil {
			return nil, err
		}
		return s.gather(inv, in), nil
	case agent.TaskValidateFeasibility:
		in, err := agent.Decode[agent.FeasibilityInput](input)
		if err != nil {
			return nil, err
		}
		return s.validateFeasibility(inv, in), nil
	case agent.TaskScheduleKickoff:
		in, err := agent.Decode[agent.KickoffInput](input)
		if err != nil {
			return nil, err
		}
		return s.scheduleKickoff(in), nil
	case agent.TaskExtract:
		in, err := agent.Decode[agent.ExtractInput](input)
		if err != nil {
			return nil, err
		}
		return s.extract(inv, in), nil
	case agent.TaskValidateQuality:
		in, err := agent.Decode[agent.QAInput](input)
		if err != nil {
			return nil, err
		}
		return s.validateQuality(in), nil
	case agent.TaskDeliver:
		in, err := agent.Decode[agent.DeliverInput](input)
		if err != nil {
			return nil, err
		}
		return s.deliver(inv, in), nil
	}
	return nil, agent.NewError(agent.KindInvalid, inv.RequestID, "stub has no handler for task %q", task)
}

func (s *Suite) gather(inv agent.Invocation, in *agent.GatherInput) *agent.GatherOutput {
	reqs := state.Requirements{
		StudyTitle: studyTitle(in.InitialRequest),
		Inclusion:  []string{"adults 18 and older", "at least one qualifying encounter"},
		Exclusion:  []string{"opted out of research use"},
		TimeWindow: state.TimeWindow{
			Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		DataElements: []string{"demographics", "diagnoses", "medications", "lab_results"},
		PHILevel:     state.PHIDeIdentified,
	}
	if in.PriorRequirements != nil {
		reqs = *in.PriorRequirements
	}
	// Rejection feedback sharpens the extraction on each loop pass.
	if in.RejectionReason != "" {
		reqs.Inclusion = append(reqs.Inclusion,
			fmt.Sprintf("refined per review: %s", in.RejectionReason))
	}
	score := 0.82 + 0.04*float64(in.Iteration)
	if score > 1.0 {
		score = 1.0
	}
	return &agent.GatherOutput{
		Requirements:         reqs,
		CompletenessScore:    score,
		RequirementsComplete: true,
	}
}

func (s *Suite) validateFeasibility(inv agent.Invocation, in *agent.FeasibilityInput) *agent.FeasibilityOutput {
	feasible := true
	if s.script.Feasible != nil {
		feasible = s.script.Feasible(*in)
	}
	size := 200 + int(seed(inv.RequestID)%4800)
	availability := make(map[string]state.ElementAvailability, len(in.Requirements.DataElements))
	for _, element := range in.Requirements.DataElements {
		availability[element] = state.ElementAvailability{
			PresentFraction:      0.97,
			CompletenessFraction: 0.91,
		}
	}
	return &agent.FeasibilityOutput{
		PhenotypeSQL: phenotypeSQL(in.Requirements),
		Feasibility: state.Feasibility{
			Feasible:            feasible,
			EstimatedCohortSize: size,
			ConfidenceInterval: state.ConfidenceInterval{
				Low:  size * 9 / 10,
				High: size * 11 / 10,
			},
			DataAvailability: availability,
		},
	}
}

func (s *Suite) scheduleKickoff(in *agent.KickoffInput) *agent.KickoffOutput {
	return &agent.KickoffOutput{
		KickoffMeeting: state.KickoffMeeting{
			ScheduledAt: time.Now().UTC().Truncate(time.Hour).Add(72 * time.Hour),
			Attendees:   []string{in.Researcher.Email, "data-team@meridianhealth.example"},
			Agenda:      fmt.Sprintf("Kickoff for %q: scope, timeline, delivery format", in.StudyTitle),
		},
	}
}

func (s *Suite) extract(inv agent.Invocation, in *agent.ExtractInput) *agent.ExtractOutput {
	return &agent.ExtractOutput{
		Extraction: state.Extraction{
			RowCount:        int64(1000 + seed(inv.RequestID)%9000),
			PHILevelApplied: in.PHILevel,
			ArtifactURI: fmt.Sprintf("s3://research-extracts/%s/attempt-%d.parquet",
				inv.RequestID, in.AttemptNo),
			ExtractedAt: time.Now().UTC(),
			AttemptNo:   in.AttemptNo,
		},
	}
}

func (s *Suite) validateQuality(in *agent.QAInput) *agent.QAOutput {
	pass := true
	if s.script.QAPass != nil {
		pass = s.script.QAPass(*in)
	}

	checks := []state.QACheck{
		{Name: "row_count_within_estimate", Passed: true},
		{Name: "phi_level_matches_request", Passed: in.Extraction.PHILevelApplied == in.Requirements.PHILevel},
		{Name: "required_elements_present", Passed: pass},
	}
	status := state.QAPassed
	for i := range checks {
		if !checks[i].Passed {
			status = state.QAFailed
			checks[i].Severity = "high"
			checks[i].Details = "validation threshold not met"
		}
	}
	return &agent.QAOutput{
		QAReport: state.QAReport{
			OverallStatus: status,
			Checks:        checks,
		},
	}
}

func (s *Suite) deliver(inv agent.Invocation, in *agent.DeliverInput) *agent.DeliverOutput {
	return &agent.DeliverOutput{
		Delivery: state.Delivery{
			ArtifactURI:      in.Extraction.ArtifactURI,
			Checksum:         fmt.Sprintf("sha256:%016x", seed(in.Extraction.ArtifactURI)),
			DeliveredAt:      time.Now().UTC(),
			NotificationSent: true,
		},
	}
}

func studyTitle(initialRequest string) string {
	// Rune-wise so a multibyte request never gets split mid-character.
	runes := []rune(strings.TrimSpace(initialRequest))
	if len(runes) == 0 {
		return "Untitled research request"
	}
	if len(runes) > 80 {
		runes = runes[:80]
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func phenotypeSQL(reqs state.Requirements) string {
	var b strings.Builder
	b.WriteString("SELECT patient_id FROM cohort_index WHERE ")
	for i, criterion := range reqs.Inclusion {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "matches(%q)", criterion)
	}
	for _, criterion := range reqs.Exclusion {
		fmt.Fprintf(&b, " AND NOT matches(%q)", criterion)
	}
	fmt.Fprintf(&b, " AND encounter_date BETWEEN '%s' AND '%s'",
		reqs.TimeWindow.Start.Format("2006-01-02"), reqs.TimeWindow.End.Format("2006-01-02"))
	return b.String()
}

func seed(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}
