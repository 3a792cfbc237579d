package bootstrap

// StepID names a unit of provisioning work in the bootstrap pipeline.
type StepID string

const (
	StepEnsureRepoInitialized        StepID = "ensure_repo_initialized"
	StepCreateBackingDatabaseProject StepID = "create_backing_database_project"
	StepCreateHostingProject         StepID = "create_hosting_project"
	StepVerifyDeployment             StepID = "verify_deployment"
)

// StepDefinition carries presentation metadata for a step.
type StepDefinition struct {
	ID          StepID `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

var registry = [...]StepDefinition{
	{
		ID:          StepEnsureRepoInitialized,
		Name:        "Initialize repository",
		Description: "Make sure the source repository has at least one commit on its default branch.",
	},
	{
		ID:          StepCreateBackingDatabaseProject,
		Name:        "Create database project",
		Description: "Provision the backing database project and store its access keys encrypted.",
	},
	{
		ID:          StepCreateHostingProject,
		Name:        "Create hosting project",
		Description: "Link a hosting project to the repository, push environment variables and trigger a deploy.",
	},
	{
		ID:          StepVerifyDeployment,
		Name:        "Verify deployment",
		Description: "Poll the deployment health endpoint until it responds successfully.",
	},
}

// Steps returns the ordered step definitions. The returned slice is a copy.
func Steps() []StepDefinition {
	out := make([]StepDefinition, len(registry))
	copy(out, registry[:])
	return out
}

// StepIDs returns the ordered step identifiers.
func StepIDs() []StepID {
	out := make([]StepID, len(registry))
	for i, def := range registry {
		out[i] = def.ID
	}
	return out
}

// LookupStep returns the definition for id.
func LookupStep(id StepID) (StepDefinition, bool) {
	for _, def := range registry {
		if def.ID == id {
			return def, true
		}
	}
	return StepDefinition{}, false
}

// IsKnownStep reports whether id is part of the registry.
func IsKnownStep(id StepID) bool {
	_, ok := LookupStep(id)
	return ok
}

// StepIndex returns the position of id in the pipeline, or -1.
func StepIndex(id StepID) int {
	for i, def := range registry {
		if def.ID == id {
			return i
		}
	}
	return -1
}
