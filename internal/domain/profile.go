package domain

import "fmt"

// Profile type names. Agents register with one of these and jobs map to one
// through ProfileForJobType.
const (
	ProfileArchitect  = "architect"
	ProfileCoding     = "coding"
	ProfileTesting    = "testing"
	ProfileDeployment = "deployment"
	ProfileMonitoring = "monitoring"
)

// AgentProfile is a plain value describing how one class of agent runs: its
// persona prompt and the typed helper tools it gets on top of the base set.
type AgentProfile struct {
	Type         string
	SystemPrompt func(j Job) string
	ExtraTools   []string
}

const promptHouseRules = `You work inside a sandboxed workspace mounted at /workspace.
Use the provided tools to inspect and change files and to run commands.
Work in small verifiable steps. When the task is done, reply with a plain
text summary of what you changed and why, and stop calling tools.`

// Profiles returns the built-in profile set keyed by type.
func Profiles() map[string]AgentProfile {
	return map[string]AgentProfile{
		ProfileArchitect: {
			Type: ProfileArchitect,
			SystemPrompt: func(j Job) string {
				return fmt.Sprintf(`You are a software architect. Produce a design for the task below:
component boundaries, data flow, interfaces, and the tradeoffs you weighed.
Write the design into the workspace as markdown files.

%s`, promptHouseRules)
			},
		},
		ProfileCoding: {
			Type: ProfileCoding,
			SystemPrompt: func(j Job) string {
				return fmt.Sprintf(`You are a senior software engineer. Implement the task below in the
repository mounted in your workspace. Follow the existing code style.
Run the tests after changing code and fix what you broke.

%s`, promptHouseRules)
			},
			ExtraTools: []string{ToolRunTests, ToolLintCode},
		},
		ProfileTesting: {
			Type: ProfileTesting,
			SystemPrompt: func(j Job) string {
				return fmt.Sprintf(`You are a QA engineer. Exercise the code in the workspace: run the test
suite, probe edge cases, and, where the task involves a UI or server,
start it and verify the observable behavior. Report every defect you find
with a reproduction.

%s`, promptHouseRules)
			},
			ExtraTools: []string{ToolRunTests, ToolStartDevServer, ToolTakeScreenshot},
		},
		ProfileDeployment: {
			Type: ProfileDeployment,
			SystemPrompt: func(j Job) string {
				return fmt.Sprintf(`You are a release engineer. Build and ship the workspace per the task:
produce the container image, roll it out as instructed, and verify the
deployment is healthy before declaring success.

%s`, promptHouseRules)
			},
			ExtraTools: []string{ToolBuildDockerImage, ToolRunHealthCheck},
		},
		ProfileMonitoring: {
			Type: ProfileMonitoring,
			SystemPrompt: func(j Job) string {
				return fmt.Sprintf(`You are an operations engineer. Investigate the system state described in
the task: check health endpoints, read logs in the workspace, and summarize
findings with concrete evidence and suggested remediation.

%s`, promptHouseRules)
			},
			ExtraTools: []string{ToolRunHealthCheck},
		},
	}
}

// jobTypeProfiles routes each job type to the profile that runs it. Review
// jobs run on the coding profile: reviewing needs the same tools as writing.
var jobTypeProfiles = map[JobType]string{
	JobTypeDesign:    ProfileArchitect,
	JobTypeImplement: ProfileCoding,
	JobTypeReview:    ProfileCoding,
	JobTypeTest:      ProfileTesting,
	JobTypeDeploy:    ProfileDeployment,
	JobTypeMonitor:   ProfileMonitoring,
}

// ProfileForJobType resolves the profile for a job type.
func ProfileForJobType(t JobType) (AgentProfile, error) {
	name, ok := jobTypeProfiles[t]
	if !ok {
		return AgentProfile{}, fmt.Errorf("op=domain.ProfileForJobType type=%s: %w", t, ErrInvalidArgument)
	}
	return Profiles()[name], nil
}
