package store

import "fmt"

// MaxIDLength is the maximum allowed length for identifier strings
// (agent_id, task_id, user_id). Matches the VARCHAR(255) constraint in the database schema.
const MaxIDLength = 255

// ValidateID checks that an identifier does not exceed MaxIDLength.
// kind names the field in the error ("agent", "task").
func ValidateID(kind, id string) error {
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s identifier too long: %d chars (max %d)", kind, len(id), MaxIDLength)
	}
	return nil
}
