// Package dispatch carries the engine's outward-facing action stream. Every
// observable state transition is published as an Action so applications can
// drive their own state from it.
package dispatch

import "mirage/pkg/model"

// ActionType identifies one kind of state transition.
type ActionType string

// The full set of emitted actions.
const (
	ActionSetListener      ActionType = "@mirage/SET_LISTENER"
	ActionUnsetListener    ActionType = "@mirage/UNSET_LISTENER"
	ActionListenerResponse ActionType = "@mirage/LISTENER_RESPONSE"
	ActionListenerError    ActionType = "@mirage/LISTENER_ERROR"

	ActionGetRequest ActionType = "@mirage/GET_REQUEST"
	ActionGetSuccess ActionType = "@mirage/GET_SUCCESS"
	ActionGetFailure ActionType = "@mirage/GET_FAILURE"

	ActionDocumentAdded    ActionType = "@mirage/DOCUMENT_ADDED"
	ActionDocumentModified ActionType = "@mirage/DOCUMENT_MODIFIED"
	ActionDocumentRemoved  ActionType = "@mirage/DOCUMENT_REMOVED"
	ActionDeleteSuccess    ActionType = "@mirage/DELETE_SUCCESS"
	ActionDeleteFailure    ActionType = "@mirage/DELETE_FAILURE"

	ActionMutateStart   ActionType = "@mirage/MUTATE_START"
	ActionMutateSuccess ActionType = "@mirage/MUTATE_SUCCESS"
	ActionMutateFailure ActionType = "@mirage/MUTATE_FAILURE"

	ActionTransactionStart  ActionType = "@mirage/TRANSACTION_START"
	ActionTransactionResult ActionType = "@mirage/TRANSACTION_RESULT"
)

// Action is one published transition. Meta names the query or write the
// action refers to; Payload carries the event data.
type Action struct {
	Type      ActionType             `json:"type"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Payload   interface{}            `json:"payload,omitempty"`
	Timestamp model.Timestamp        `json:"timestamp"`
}
