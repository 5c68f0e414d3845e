package mcp

import "fmt"

// QualifiedTool pairs a tool schema with the collision-safe name the rest of
// the system should use to refer to it: server-prefixed unless the bare name
// is already unique across every connected server.
type QualifiedTool struct {
	ToolSchema
	QualifiedName string `json:"qualified_name"`
}

// canonicalToolName is the server-prefixed form, always unambiguous.
func canonicalToolName(serverID, name string) string {
	return fmt.Sprintf("%s__%s", serverID, name)
}

// QualifiedTools returns every tool across every connected server with a
// QualifiedName: the bare tool name when it is unique, the canonical
// server-prefixed name otherwise. Agent composition and tool validation key
// off QualifiedName so two servers can each expose a tool called "search"
// without colliding.
func (m *Manager) QualifiedTools() []QualifiedTool {
	schemas := m.ToolSchemas()

	counts := make(map[string]int, len(schemas))
	for _, s := range schemas {
		counts[s.Name]++
	}

	out := make([]QualifiedTool, 0, len(schemas))
	for _, s := range schemas {
		name := s.Name
		if counts[s.Name] > 1 {
			name = canonicalToolName(s.ServerID, s.Name)
		}
		out = append(out, QualifiedTool{ToolSchema: s, QualifiedName: name})
	}
	return out
}
