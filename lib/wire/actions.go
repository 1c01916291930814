/*
 * BTPS
 * Copyright (C) 2025  BTPS Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package wire

// Action names an operation a delegated agent asks its home server to
// perform. The dotted prefix groups actions by the mailbox or subsystem
// they touch.
type Action string

const (
	ActionTrustRequest Action = "trust.request"
	ActionTrustRespond Action = "trust.respond"
	ActionTrustUpdate  Action = "trust.update"
	ActionTrustDelete  Action = "trust.delete"
	ActionTrustFetch   Action = "trust.fetch"

	ActionInboxFetch  Action = "inbox.fetch"
	ActionInboxSeen   Action = "inbox.seen"
	ActionInboxDelete Action = "inbox.delete"

	ActionOutboxFetch  Action = "outbox.fetch"
	ActionOutboxCancel Action = "outbox.cancel"

	ActionSentboxFetch  Action = "sentbox.fetch"
	ActionSentboxDelete Action = "sentbox.delete"

	ActionDraftCreate Action = "draft.create"
	ActionDraftUpdate Action = "draft.update"
	ActionDraftDelete Action = "draft.delete"
	ActionDraftFetch  Action = "draft.fetch"

	ActionTrashFetch  Action = "trash.fetch"
	ActionTrashDelete Action = "trash.delete"

	ActionSystemPing Action = "system.ping"

	ActionAuthRequest Action = "auth.request"
	ActionAuthRefresh Action = "auth.refresh"

	ActionArtifactSend Action = "artifact.send"
)

// AllActions lists every defined agent action.
var AllActions = []Action{
	ActionTrustRequest, ActionTrustRespond, ActionTrustUpdate,
	ActionTrustDelete, ActionTrustFetch,
	ActionInboxFetch, ActionInboxSeen, ActionInboxDelete,
	ActionOutboxFetch, ActionOutboxCancel,
	ActionSentboxFetch, ActionSentboxDelete,
	ActionDraftCreate, ActionDraftUpdate, ActionDraftDelete, ActionDraftFetch,
	ActionTrashFetch, ActionTrashDelete,
	ActionSystemPing,
	ActionAuthRequest, ActionAuthRefresh,
	ActionArtifactSend,
}

var knownActions = func() map[Action]bool {
	m := make(map[Action]bool, len(AllActions))
	for _, a := range AllActions {
		m[a] = true
	}
	return m
}()

// ValidAction reports whether a is a defined agent action.
func ValidAction(a Action) bool {
	return knownActions[a]
}

// actionsRequiringDocument lists actions whose artifact must carry a
// document payload.
var actionsRequiringDocument = map[Action]bool{
	ActionTrustRequest:  true,
	ActionTrustRespond:  true,
	ActionTrustUpdate:   true,
	ActionTrustDelete:   true,
	ActionInboxSeen:     true,
	ActionInboxDelete:   true,
	ActionOutboxCancel:  true,
	ActionDraftCreate:   true,
	ActionDraftUpdate:   true,
	ActionDraftDelete:   true,
	ActionSentboxDelete: true,
	ActionTrashDelete:   true,
	ActionAuthRequest:   true,
	ActionAuthRefresh:   true,
	ActionArtifactSend:  true,
}

// RequiresDocument reports whether artifacts carrying action a must
// include a document.
func RequiresDocument(a Action) bool {
	return actionsRequiringDocument[a]
}

// immediateActions lists actions the receiving server answers directly
// instead of queuing for cross-domain delivery.
var immediateActions = map[Action]bool{
	ActionTrustFetch:    true,
	ActionTrustUpdate:   true,
	ActionTrustDelete:   true,
	ActionInboxFetch:    true,
	ActionInboxSeen:     true,
	ActionInboxDelete:   true,
	ActionOutboxFetch:   true,
	ActionOutboxCancel:  true,
	ActionSentboxFetch:  true,
	ActionSentboxDelete: true,
	ActionDraftCreate:   true,
	ActionDraftUpdate:   true,
	ActionDraftDelete:   true,
	ActionDraftFetch:    true,
	ActionTrashFetch:    true,
	ActionTrashDelete:   true,
	ActionSystemPing:    true,
	ActionAuthRequest:   true,
	ActionAuthRefresh:   true,
	ActionArtifactSend:  true,
}

// Immediate reports whether action a is answered by the receiving server
// itself. Non-immediate actions produce transporter artifacts addressed to
// another identity.
func Immediate(a Action) bool {
	return immediateActions[a]
}
