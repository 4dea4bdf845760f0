package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"collab-sync/internal/models"
	"collab-sync/internal/services/channel"
)

// printer writes one line per message. Handlers run on client goroutines,
// so writes are serialized.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: format}
}

func (p *printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

// emit prints v as JSON, or text in text mode.
func (p *printer) emit(v any, text string) {
	if p.format != "json" {
		p.line(text)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.line(fmt.Sprintf(`{"error":%q}`, err.Error()))
		return
	}
	p.line(string(data))
}

func (p *printer) collaborator(m channel.CollaboratorMessage) {
	if p.format == "json" {
		if data, err := channel.EncodeCollaboratorMessage(m); err == nil {
			p.line(string(data))
		}
		return
	}

	switch msg := m.(type) {
	case channel.CollaboratorSnapshot:
		var b strings.Builder
		fmt.Fprintf(&b, "snapshot %s: %d collaborators", msg.MapID, len(msg.Collaborators))
		for _, c := range msg.Collaborators {
			fmt.Fprintf(&b, "\n  %s", describeCollaborator(c))
		}
		p.line(b.String())
	case channel.CollaboratorUpsert:
		p.line(fmt.Sprintf("upsert %s: %s", msg.MapID, describeCollaborator(msg.Collaborator)))
	case channel.CollaboratorRemove:
		p.line(fmt.Sprintf("remove %s: %s", msg.MapID, strings.Join(msg.RemovedIDs, ", ")))
	}
}

func (p *printer) permission(m channel.PermissionMessage) {
	if p.format == "json" {
		if data, err := channel.EncodePermissionMessage(m); err == nil {
			p.line(string(data))
		}
		return
	}

	switch msg := m.(type) {
	case channel.PermissionSnapshot:
		p.line("snapshot " + describePermission(msg.Permission))
	case channel.PermissionUpdate:
		p.line("update " + describePermission(msg.Permission))
	case channel.PermissionRevoked:
		p.line(fmt.Sprintf("revoked %s %s: %s at %s", msg.MapID, msg.TargetUserID, msg.Reason, msg.RevokedAt))
	}
}

func (p *printer) envelope(env models.SyncEnvelope) {
	payload, _ := json.Marshal(env.Payload)
	p.emit(env, fmt.Sprintf("%s %s %s", env.ID, env.Event, payload))
}

func (p *printer) presence(m models.PresenceMap) {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s(%d)", id, len(m[id])))
	}
	text := "presence: " + strings.Join(parts, " ")
	if len(parts) == 0 {
		text = "presence: nobody"
	}
	p.emit(m, text)
}

func (p *printer) graphChange(c models.GraphChange) {
	text := fmt.Sprintf("%s %s %s", c.Entity, c.Action, c.ID)
	if c.ActorID != "" {
		text += " by " + c.ActorID
	}
	p.emit(c, text)
}

func describeCollaborator(c models.Collaborator) string {
	return fmt.Sprintf("%s user=%s role=%s", c.ShareID, c.UserID, c.Role)
}

func describePermission(perm models.Permission) string {
	return fmt.Sprintf("%s %s: role=%s view=%t comment=%t edit=%t",
		perm.MapID, perm.TargetUserID, perm.Role, perm.CanView, perm.CanComment, perm.CanEdit)
}
