package store

import (
	"database/sql"
	"fmt"

	"github.com/aicall/server/internal/models"
)

// scanSessions reads every session row from a result set.
func scanSessions(rows *sql.Rows) ([]models.Session, error) {
	var sessions []models.Session
	for rows.Next() {
		var session models.Session
		var flowType, historyJSON string
		var basePrompt, stateJSON sql.NullString
		err := rows.Scan(&session.ID, &flowType, &basePrompt, &historyJSON,
			&stateJSON, &session.CreatedAt, &session.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan session failed: %w", err)
		}
		session.FlowType = models.FlowType(flowType)
		session.BasePrompt = basePrompt.String
		session.StateJSON = stateJSON.String
		if session.History, err = unmarshalHistory(historyJSON); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows iteration failed: %w", err)
	}
	return sessions, nil
}
