// Package notify routes admin notifications to topic threads.
package notify

import "strings"

// Topic is a closed set of notification categories. Only types in this
// package implement it, and every variant must say how it is routed and
// labelled.
type Topic interface {
	// Key is the stable name used in config and de-dupe keys.
	Key() string
	// Title is the header line rendered above each message.
	Title() string
	// Fallback names the topic a message goes to when this one has no
	// configured thread. The zero value means the admin chat root.
	Fallback() Topic
	topic()
}

type (
	Manage       struct{}
	Reports      struct{}
	Logs         struct{}
	Transactions struct{}
	Outages      struct{}
	Sellers      struct{}
	Backups      struct{}
)

func (Manage) Key() string     { return "manage" }
func (Manage) Title() string   { return "🛠 Manage" }
func (Manage) Fallback() Topic { return nil }
func (Manage) topic()          {}

func (Reports) Key() string     { return "reports" }
func (Reports) Title() string   { return "📊 Reports" }
func (Reports) Fallback() Topic { return Manage{} }
func (Reports) topic()          {}

func (Logs) Key() string     { return "logs" }
func (Logs) Title() string   { return "📝 Logs" }
func (Logs) Fallback() Topic { return Manage{} }
func (Logs) topic()          {}

func (Transactions) Key() string     { return "transactions" }
func (Transactions) Title() string   { return "💳 Transactions" }
func (Transactions) Fallback() Topic { return Reports{} }
func (Transactions) topic()          {}

func (Outages) Key() string     { return "outages" }
func (Outages) Title() string   { return "🚨 Outages" }
func (Outages) Fallback() Topic { return Manage{} }
func (Outages) topic()          {}

func (Sellers) Key() string     { return "sellers" }
func (Sellers) Title() string   { return "🤝 Sellers" }
func (Sellers) Fallback() Topic { return Reports{} }
func (Sellers) topic()          {}

func (Backups) Key() string     { return "backups" }
func (Backups) Title() string   { return "💾 Backups" }
func (Backups) Fallback() Topic { return Logs{} }
func (Backups) topic()          {}

// All lists every topic.
func All() []Topic {
	return []Topic{Manage{}, Reports{}, Logs{}, Transactions{}, Outages{}, Sellers{}, Backups{}}
}

func ParseTopic(key string) (Topic, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, t := range All() {
		if t.Key() == key {
			return t, true
		}
	}
	return nil, false
}
