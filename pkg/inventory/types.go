package inventory

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	InterfaceAgent json.Number = "1"
	InterfaceJMX   json.Number = "4"
)

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *RPCError) Error() string {
	if e.Data == "" {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s %s", e.Code, e.Message, e.Data)
}

// expiredSession reports whether the server rejected the token itself.
func (e *RPCError) expiredSession() bool {
	if e.Code != -32602 && e.Code != -32500 {
		return false
	}
	text := strings.ToLower(e.Message + " " + e.Data)
	for _, hint := range []string{"session", "authori", "re-login"} {
		if strings.Contains(text, hint) {
			return true
		}
	}
	return false
}

type Interface struct {
	InterfaceID string      `json:"interfaceid,omitempty"`
	HostID      string      `json:"hostid,omitempty"`
	Type        json.Number `json:"type"`
	Main        json.Number `json:"main"`
	UseIP       json.Number `json:"useip"`
	IP          string      `json:"ip"`
	DNS         string      `json:"dns"`
	Port        string      `json:"port"`
}

type Template struct {
	TemplateID string `json:"templateid"`
	Name       string `json:"name,omitempty"`
}

type Host struct {
	HostID          string      `json:"hostid"`
	Host            string      `json:"host"`
	Name            string      `json:"name"`
	Interfaces      []Interface `json:"interfaces"`
	ParentTemplates []Template  `json:"parentTemplates"`
}

// TemplateIDs lists the ids of the templates linked to the host.
func (h *Host) TemplateIDs() []string {
	ids := make([]string, 0, len(h.ParentTemplates))
	for _, t := range h.ParentTemplates {
		ids = append(ids, t.TemplateID)
	}
	return ids
}

func (h *Host) HasInterface(kind json.Number) bool {
	for _, i := range h.Interfaces {
		if i.Type == kind {
			return true
		}
	}
	return false
}

type GroupRef struct {
	GroupID string `json:"groupid"`
}

type TemplateRef struct {
	TemplateID string `json:"templateid"`
}

type Tag struct {
	Tag   string `json:"tag"`
	Value string `json:"value"`
}

type HostParams struct {
	HostID      string        `json:"hostid,omitempty"`
	Host        string        `json:"host,omitempty"`
	Name        string        `json:"name,omitempty"`
	Groups      []GroupRef    `json:"groups,omitempty"`
	Templates   []TemplateRef `json:"templates,omitempty"`
	ProxyHostID string        `json:"proxy_hostid,omitempty"`
	Tags        []Tag         `json:"tags,omitempty"`
	Interfaces  []Interface   `json:"interfaces,omitempty"`
}

type WebStep struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	StatusCodes string `json:"status_codes"`
	No          int    `json:"no,omitempty"`
}

type WebScenario struct {
	HTTPTestID string    `json:"httptestid,omitempty"`
	HostID     string    `json:"hostid,omitempty"`
	Name       string    `json:"name"`
	Steps      []WebStep `json:"steps,omitempty"`
	Delay      string    `json:"delay,omitempty"`
	Retries    int       `json:"retries,omitempty"`
	Agent      string    `json:"agent,omitempty"`
}

// TemplateRefs converts template ids into host.create/host.update references.
func TemplateRefs(ids []string) []TemplateRef {
	refs := make([]TemplateRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, TemplateRef{TemplateID: id})
	}
	return refs
}

func GroupRefs(ids []string) []GroupRef {
	refs := make([]GroupRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, GroupRef{GroupID: id})
	}
	return refs
}
