package consumer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// deadLetterArchive is the on-disk form of one poisoned message. One file
// per message keeps archives greppable and independently replayable.
type deadLetterArchive struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	QueueType     string `yaml:"queue_type"`
	Entry         struct {
		Partition int    `yaml:"partition"`
		Offset    int64  `yaml:"offset"`
		Key       string `yaml:"key"`
		Payload   string `yaml:"payload"`
	} `yaml:"entry"`
	Reason         string `yaml:"reason"`
	DeadLetteredAt string `yaml:"dead_lettered_at"`
}

// DeadLetterer archives messages that exhausted their retry budget or
// could never be decoded.
type DeadLetterer struct {
	Dir string
	Now func() time.Time
}

func NewDeadLetterer(dir string) *DeadLetterer {
	return &DeadLetterer{Dir: dir, Now: time.Now}
}

// Archive writes one YAML file for the message and returns its path.
func (d *DeadLetterer) Archive(m Message, reason string) (string, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", err
	}
	now := d.Now().UTC()
	var arc deadLetterArchive
	arc.SchemaVersion = 1
	arc.FileType = "dead_letter"
	arc.QueueType = "provisioning"
	arc.Entry.Partition = m.Partition
	arc.Entry.Offset = m.Offset
	arc.Entry.Key = m.Key
	arc.Entry.Payload = string(m.Value)
	arc.Reason = reason
	arc.DeadLetteredAt = now.Format(time.RFC3339)

	data, err := yaml.Marshal(&arc)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("p%d-o%d-%s.yml", m.Partition, m.Offset, now.Format("20060102T150405Z"))
	path := filepath.Join(d.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
