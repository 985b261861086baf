package queue

import "errors"

// Message is one unit of work handed to the out-of-process ingestion workers.
// Each concrete type carries the fields its action needs and validates itself
// before publish.
type Message interface {
	Action() string
	Validate() error
}

// IngestMessage asks the workers to fetch, chunk and index a source for the
// first time.
type IngestMessage struct {
	TeamID   uint64   `json:"team_id"`
	BotID    uint64   `json:"bot_id"`
	SourceID uint64   `json:"source_id"`
	IndexID  string   `json:"index_id"`
	Type     string   `json:"type"`
	URL      string   `json:"url,omitempty"`
	Title    string   `json:"title,omitempty"`
	FileKeys []string `json:"file_keys,omitempty"`
}

func (m IngestMessage) Action() string {
	return "ingest"
}

func (m IngestMessage) Validate() error {
	if m.TeamID == 0 || m.BotID == 0 || m.SourceID == 0 {
		return errors.New("queue: ingest message requires team, bot and source ids")
	}
	if m.IndexID == "" {
		return errors.New("queue: ingest message requires an index id")
	}
	if m.Type == "" {
		return errors.New("queue: ingest message requires a source type")
	}
	return nil
}

// RegestMessage asks the workers to re-ingest a previously ready source,
// replacing its existing chunks in the vector index.
type RegestMessage struct {
	TeamID   uint64   `json:"team_id"`
	BotID    uint64   `json:"bot_id"`
	SourceID uint64   `json:"source_id"`
	IndexID  string   `json:"index_id"`
	Type     string   `json:"type"`
	URL      string   `json:"url,omitempty"`
	FileKeys []string `json:"file_keys,omitempty"`
}

func (m RegestMessage) Action() string {
	return "regest"
}

func (m RegestMessage) Validate() error {
	if m.TeamID == 0 || m.BotID == 0 || m.SourceID == 0 {
		return errors.New("queue: regest message requires team, bot and source ids")
	}
	if m.IndexID == "" {
		return errors.New("queue: regest message requires an index id")
	}
	return nil
}

// ExpelMessage asks the workers to remove a source's chunks from the vector
// index after the source record has been deleted.
type ExpelMessage struct {
	TeamID   uint64 `json:"team_id"`
	BotID    uint64 `json:"bot_id"`
	SourceID uint64 `json:"source_id"`
	IndexID  string `json:"index_id"`
}

func (m ExpelMessage) Action() string {
	return "expel"
}

func (m ExpelMessage) Validate() error {
	if m.TeamID == 0 || m.BotID == 0 || m.SourceID == 0 {
		return errors.New("queue: expel message requires team, bot and source ids")
	}
	if m.IndexID == "" {
		return errors.New("queue: expel message requires an index id")
	}
	return nil
}

// ReportMessage asks the workers to assemble a usage report for a team and
// mail it out.
type ReportMessage struct {
	TeamID uint64 `json:"team_id"`
	BotID  uint64 `json:"bot_id,omitempty"`
	Month  string `json:"month"`
	Email  string `json:"email"`
}

func (m ReportMessage) Action() string {
	return "report"
}

func (m ReportMessage) Validate() error {
	if m.TeamID == 0 {
		return errors.New("queue: report message requires a team id")
	}
	if m.Month == "" {
		return errors.New("queue: report message requires a month")
	}
	if m.Email == "" {
		return errors.New("queue: report message requires a destination email")
	}
	return nil
}
