package auth

const (
	PermElectionManage  = "election.manage"
	PermResultsRead     = "results.read"
	PermResultsOverride = "results.override"
	PermDeadLettersRead = "dead_letters.read"
)

var rolePermissions = map[string][]string{
	RoleElectionAdmin: {PermElectionManage, PermResultsRead, PermResultsOverride, PermDeadLettersRead},
	RoleAuditor:       {PermResultsRead, PermDeadLettersRead},
}
