package domain

// TaskInfo is the business payload carried in the `message` field of task
// stream entries. Producers (the HTTP layer, cron jobs, external services)
// enqueue it as JSON.
type TaskInfo struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Command     string  `json:"command"`
	Author      string  `json:"author"`
	IP          *string `json:"ip,omitempty"`
}
