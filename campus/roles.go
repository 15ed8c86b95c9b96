package campus

import "github.com/cyberinferno/campusrpc/router"

// Campus roles.
const (
	RoleStudent      = "student"
	RoleTeacher      = "teacher"
	RoleAssistant    = "assistant"
	RoleFaculty      = "faculty"
	RoleLibrarian    = "librarian"
	RoleLibraryAdmin = "library_admin"
	RoleAdmin        = "admin"
)

// NewPolicy declares the campus role rules:
//   - admin-dominates-all: admin passes every role check
//   - teaching-staff: a faculty requirement is met by teachers and assistants
//   - library-staff: librarian and library_admin stand in for each other
func NewPolicy() *router.Policy {
	return router.NewPolicy().
		Dominates("admin-dominates-all", RoleAdmin).
		Alias("teaching-staff", RoleFaculty, RoleTeacher, RoleAssistant).
		Equivalent("library-staff", RoleLibrarian, RoleLibraryAdmin)
}
