// Package demand implements the Demand Resolver (C7): a pure function
// merging the demand sources named in §4.7 by fixed precedence.
package demand

import v1 "github.com/kandev/coordinator/pkg/api/v1"

// AgentBlueprint is the subset of a blueprint's declaration the resolver
// needs: its own demands, an optional script demand overlay, and its
// declared executor type.
type AgentBlueprint struct {
	Demands      v1.Demands
	ScriptTags   []string
	ExecutorType string // "autonomous" or "procedural"; defaults to autonomous
}

// Inputs bundles every source the resolver consults, highest precedence
// first as enumerated in §4.7.
type Inputs struct {
	// OwnerWorkerID/OwnerHostname/OwnerProjectDir/OwnerExecutorProfile
	// are set when the run targets a worker-owned blueprint.
	OwnerWorkerID          string
	OwnerHostname          string
	OwnerProjectDir        string
	OwnerExecutorProfile   string

	// IsResume + affinity fields apply only to resume_session runs.
	IsResume                bool
	AffinityHostname        string
	AffinityExecutorProfile string

	Blueprint AgentBlueprint

	// Additional is the caller-supplied demand overlay from the run
	// request itself.
	Additional v1.Demands
}

const (
	ExecutorTypeAutonomous = "autonomous"
	ExecutorTypeProcedural = "procedural"
)

// Resolve computes the final demand predicate for a newly enqueued run by
// chaining v1.MergeDemands precisely in the order run_demands.py's
// compute_and_set_run_demands does:
//
//	merge(merge(merge(merge(owner, affinity), blueprint), executorType), additional)
//
// Each merge keeps `base`'s scalar fields when already set and falls back
// to `overlay`'s; tags are always unioned.
func Resolve(in Inputs) v1.Demands {
	owner := v1.Demands{}
	if in.OwnerWorkerID != "" {
		owner = v1.Demands{
			OwnerWorkerID:   in.OwnerWorkerID,
			Hostname:        in.OwnerHostname,
			ProjectDir:      in.OwnerProjectDir,
			ExecutorProfile: in.OwnerExecutorProfile,
		}
	}

	affinity := v1.Demands{}
	if in.IsResume {
		affinity = v1.Demands{
			Hostname:        in.AffinityHostname,
			ExecutorProfile: in.AffinityExecutorProfile,
		}
	}

	blueprintDemands := in.Blueprint.Demands
	if len(in.Blueprint.ScriptTags) > 0 {
		// Script demands merge additively into blueprint demands before
		// the rest of the chain runs.
		blueprintDemands = v1.MergeDemands(blueprintDemands, v1.Demands{Tags: in.Blueprint.ScriptTags})
	}

	executorType := in.Blueprint.ExecutorType
	if executorType == "" {
		executorType = ExecutorTypeAutonomous
	}
	executorTypeDemands := v1.Demands{ExecutorType: executorType}

	result := v1.MergeDemands(owner, affinity)
	result = v1.MergeDemands(result, blueprintDemands)
	result = v1.MergeDemands(result, executorTypeDemands)
	result = v1.MergeDemands(result, in.Additional)
	return result
}
