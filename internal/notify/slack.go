package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxListedFailures caps the failed targets spelled out in one message
const maxListedFailures = 10

// SlackNotifier posts batch notices to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is one colored block of a message
type SlackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Ts        int64        `json:"ts,omitempty"`
}

// SlackField is a labelled value inside an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a notifier for webhookURL; an empty URL disables it
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// SlackColor returns the Slack color for a notification type
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// BuildSlackMessage renders n: a summary attachment with the counts and,
// when targets failed, a second attachment listing them.
func BuildSlackMessage(n Notification, now time.Time) SlackMessage {
	main := SlackAttachment{
		Color:     SlackColor(n.Type),
		TitleLink: n.Link,
		Text:      n.Message,
		Footer:    "Portal Orchestrator",
		Ts:        now.Unix(),
	}
	if n.BatchID != "" {
		main.Title = "batch " + n.BatchID
	}
	if n.Total > 0 {
		main.Fields = []SlackField{
			{Title: "Processed", Value: fmt.Sprintf("%d/%d", n.Processed, n.Total), Short: true},
			{Title: "Failed", Value: strconv.Itoa(len(n.Failures)), Short: true},
		}
	}
	msg := SlackMessage{Text: n.Title, Attachments: []SlackAttachment{main}}

	if len(n.Failures) > 0 {
		var b strings.Builder
		for i, f := range n.Failures {
			if i == maxListedFailures {
				fmt.Fprintf(&b, "… and %d more\n", len(n.Failures)-maxListedFailures)
				break
			}
			fmt.Fprintf(&b, "• `%s` %s\n", f.TargetID, f.Error)
		}
		msg.Attachments = append(msg.Attachments, SlackAttachment{
			Color: SlackColor(NotifyError),
			Title: "Failed targets",
			Text:  strings.TrimRight(b.String(), "\n"),
		})
	}
	return msg
}

// Send posts the notification
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(BuildSlackMessage(n, s.now()))
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
