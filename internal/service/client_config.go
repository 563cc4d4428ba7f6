package service

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"x-ui-provisioner/internal/model"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// ClientConfig is what GetClientConfig hands back to callers: the panel's
// own config plus locally rendered share link and Clash profile.
type ClientConfig struct {
	ClientID        uint           `json:"client_id"`
	Remark          string         `json:"remark"`
	Protocol        string         `json:"protocol"`
	Status          string         `json:"status"`
	ExpireDate      time.Time      `json:"expire_date"`
	SubscriptionURL string         `json:"subscription_url,omitempty"`
	Panel           map[string]any `json:"panel"`
	ShareLink       string         `json:"share_link,omitempty"`
	Clash           string         `json:"clash,omitempty"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

type endpoint struct {
	Name     string
	Protocol string
	Host     string
	Port     int
	Network  string
	Security string
	Path     string
	SNI      string
	Flow     string
	Method   string
	Password string
}

// endpointFor describes where a client connects. Values from the panel's
// config override the locally stored inbound.
func endpointFor(client *model.ClientAccount, remote map[string]any) endpoint {
	ep := endpoint{
		Name:     client.Remark,
		Protocol: client.Protocol,
	}
	if client.Panel != nil {
		ep.Host = client.Panel.Host
		if ep.Host == "" {
			if u, err := url.Parse(client.Panel.BaseURL); err == nil {
				ep.Host = u.Hostname()
			}
		}
	}
	if in := client.Inbound; in != nil {
		ep.Port = in.Port
		ep.Network = in.Network
		ep.Security = in.Security
		ep.Path = in.Path
		ep.SNI = in.SNI
	}
	if client.Plan != nil {
		ep.Flow = client.Plan.Flow
	}

	if v := safeString(remote["host"]); v != "" {
		ep.Host = v
	}
	if v := safeInt(remote["port"], 0); v != 0 {
		ep.Port = v
	}
	if v := safeString(remote["network"]); v != "" {
		ep.Network = v
	}
	if v := safeString(remote["security"]); v != "" {
		ep.Security = v
	}
	if v := safeString(remote["path"]); v != "" {
		ep.Path = v
	}
	if v := safeString(remote["sni"]); v != "" {
		ep.SNI = v
	}
	ep.Method = safeString(remote["method"])
	ep.Password = safeString(remote["password"])
	return ep
}

func buildClientConfig(client *model.ClientAccount, remote map[string]any) (*ClientConfig, error) {
	ep := endpointFor(client, remote)

	cfg := &ClientConfig{
		ClientID:        client.ID,
		Remark:          client.Remark,
		Protocol:        client.Protocol,
		Status:          string(client.Status),
		ExpireDate:      client.ExpireDate,
		SubscriptionURL: client.SubscriptionURL,
		Panel:           remote,
		GeneratedAt:     time.Now(),
	}
	if ep.Host == "" || ep.Port == 0 {
		return cfg, nil
	}

	cfg.ShareLink = shareLink(client.ClientUUID, ep)
	clash, err := clashProfile(client.ClientUUID, ep)
	if err != nil {
		return nil, err
	}
	cfg.Clash = clash
	return cfg, nil
}

func clashProfile(uuid string, ep endpoint) (string, error) {
	type clashConfig struct {
		Proxies     []map[string]any `yaml:"proxies"`
		ProxyGroups []map[string]any `yaml:"proxy-groups"`
	}

	proxy := map[string]any{
		"name":   ep.Name,
		"server": ep.Host,
		"port":   ep.Port,
		"type":   protocolToClashType(ep.Protocol),
		"udp":    true,
	}
	switch ep.Protocol {
	case "vmess":
		proxy["uuid"] = uuid
		proxy["alterId"] = 0
		proxy["cipher"] = "auto"
	case "vless":
		proxy["uuid"] = uuid
		if ep.Flow != "" {
			proxy["flow"] = ep.Flow
		}
	case "trojan":
		proxy["password"] = uuid
	case "shadowsocks":
		proxy["cipher"] = ep.Method
		proxy["password"] = firstNonEmpty(ep.Password, uuid)
	}
	if ep.Network != "" && ep.Protocol != "shadowsocks" {
		proxy["network"] = ep.Network
	}
	if tlsEnabled(ep.Security) {
		proxy["tls"] = true
		if ep.SNI != "" {
			proxy["servername"] = ep.SNI
		}
	}
	if ep.Network == "ws" && ep.Path != "" {
		proxy["ws-opts"] = map[string]any{"path": ep.Path}
	}

	cfg := clashConfig{
		Proxies: []map[string]any{proxy},
		ProxyGroups: []map[string]any{{
			"name":    "VPN",
			"type":    "select",
			"proxies": []string{ep.Name},
		}},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("render clash profile: %w", err)
	}
	return string(data), nil
}

func shareLink(uuid string, ep endpoint) string {
	switch ep.Protocol {
	case "vmess":
		cfg := map[string]any{
			"v":    "2",
			"ps":   ep.Name,
			"add":  ep.Host,
			"port": fmt.Sprintf("%d", ep.Port),
			"id":   uuid,
			"aid":  "0",
			"type": "none",
		}
		if ep.Network != "" {
			cfg["net"] = ep.Network
		}
		if tlsEnabled(ep.Security) {
			cfg["tls"] = "tls"
			if ep.SNI != "" {
				cfg["sni"] = ep.SNI
			}
		}
		if ep.Path != "" {
			cfg["path"] = ep.Path
		}
		data, _ := json.Marshal(cfg)
		return "vmess://" + base64.StdEncoding.EncodeToString(data)
	case "vless":
		params := url.Values{}
		params.Set("encryption", "none")
		if ep.Network != "" {
			params.Set("type", ep.Network)
		}
		if ep.Security != "" {
			params.Set("security", ep.Security)
		}
		if ep.SNI != "" {
			params.Set("sni", ep.SNI)
		}
		if ep.Path != "" {
			params.Set("path", ep.Path)
		}
		if ep.Flow != "" {
			params.Set("flow", ep.Flow)
		}
		u := url.URL{
			Scheme:   "vless",
			User:     url.User(uuid),
			Host:     fmt.Sprintf("%s:%d", ep.Host, ep.Port),
			RawQuery: params.Encode(),
			Fragment: ep.Name,
		}
		return u.String()
	case "trojan":
		params := url.Values{}
		if ep.SNI != "" {
			params.Set("sni", ep.SNI)
		}
		if ep.Network != "" {
			params.Set("type", ep.Network)
		}
		u := url.URL{
			Scheme:   "trojan",
			User:     url.User(uuid),
			Host:     fmt.Sprintf("%s:%d", ep.Host, ep.Port),
			RawQuery: params.Encode(),
			Fragment: ep.Name,
		}
		return u.String()
	case "shadowsocks":
		userinfo := base64.RawURLEncoding.EncodeToString([]byte(ep.Method + ":" + firstNonEmpty(ep.Password, uuid)))
		return fmt.Sprintf("ss://%s@%s:%d#%s", userinfo, ep.Host, ep.Port, url.PathEscape(ep.Name))
	default:
		return ""
	}
}

func protocolToClashType(protocol string) string {
	if protocol == "shadowsocks" {
		return "ss"
	}
	return protocol
}

func tlsEnabled(security string) bool {
	return strings.EqualFold(security, "tls") || strings.EqualFold(security, "reality")
}

func safeString(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func safeInt(value any, fallback int) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		i, _ := v.Int64()
		return int(i)
	default:
		return fallback
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
