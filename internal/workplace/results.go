package workplace

// UserManagementResult enumerates the outcomes of the master add/update/remove
// operations. Values 1-5 and 999 match the status codes the previous system's
// SQL scripts emitted, so operators can correlate across log archives. The
// codes the old scripts overloaded (a bare "2" meant already-exists, not-found
// or stale-concurrency-key depending on the method) are split into distinct
// members; repositories resolve the distinction before returning.
type UserManagementResult int

const (
	UserManagementUnknownError UserManagementResult = 0

	UserManagementOk UserManagementResult = 1

	// Insert target already present.
	UserAlreadyExistsInBuilding     UserManagementResult = 2
	UserAssetTypesInvalid           UserManagementResult = 3
	UserAdminFunctionsInvalid       UserManagementResult = 4
	UserAdminAssetTypesInvalid      UserManagementResult = 5
	UserDidNotExist                 UserManagementResult = 6
	UserDidNotExistInBuilding       UserManagementResult = 7
	UserDidNotExistInOrganization   UserManagementResult = 8
	ConcurrencyKeyInvalid           UserManagementResult = 9
	UserAlreadyExistsInOrganization UserManagementResult = 10

	// Advisory lock was held by a conflicting call; nothing was written.
	UserManagementLockTimeout UserManagementResult = 999
)

func (r UserManagementResult) String() string {
	switch r {
	case UserManagementOk:
		return "Ok"
	case UserAlreadyExistsInBuilding:
		return "UserAlreadyExistsInBuilding"
	case UserAssetTypesInvalid:
		return "UserAssetTypesInvalid"
	case UserAdminFunctionsInvalid:
		return "UserAdminFunctionsInvalid"
	case UserAdminAssetTypesInvalid:
		return "UserAdminAssetTypesInvalid"
	case UserDidNotExist:
		return "UserDidNotExist"
	case UserDidNotExistInBuilding:
		return "UserDidNotExistInBuilding"
	case UserDidNotExistInOrganization:
		return "UserDidNotExistInOrganization"
	case ConcurrencyKeyInvalid:
		return "ConcurrencyKeyInvalid"
	case UserAlreadyExistsInOrganization:
		return "UserAlreadyExistsInOrganization"
	case UserManagementLockTimeout:
		return "LockTimeout"
	default:
		return "UnknownError"
	}
}

// SqlQueryResult is the trivial outcome of single-row maintenance operations.
type SqlQueryResult int

const (
	SqlQueryFailed            SqlQueryResult = 0
	SqlQueryOk                SqlQueryResult = 1
	SqlQueryRecordDidNotExist SqlQueryResult = 2
)

func (r SqlQueryResult) String() string {
	switch r {
	case SqlQueryOk:
		return "Ok"
	case SqlQueryRecordDidNotExist:
		return "RecordDidNotExist"
	default:
		return "Failed"
	}
}
