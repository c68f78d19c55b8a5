package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/ifuryst/herald/internal/models"
)

// DestinationOutcome is the result of one publish attempt.
type DestinationOutcome struct {
	Destination string
	Success     bool
	Error       string
}

type Result string

const (
	ResultAll     Result = "published"
	ResultPartial Result = "partial"
	ResultNone    Result = "error"
)

type Summary struct {
	Result    Result
	Succeeded int
	Failed    int
}

// Dispatched folds per-destination outcomes into one transition of a scheduled post.
// All succeed: published. Some succeed: published with the failures kept in the
// error message. None succeed: error with the last failure's message.
func Dispatched(p *models.Post, outcomes []DestinationOutcome, now time.Time) (Change, Summary, error) {
	if len(outcomes) == 0 {
		c, err := Fail(p, ErrNoDestinations.Error())
		return c, Summary{Result: ResultNone}, err
	}

	var (
		sum      Summary
		failures []string
		last     string
	)
	for _, o := range outcomes {
		if o.Success {
			sum.Succeeded++
			continue
		}
		sum.Failed++
		detail := o.Error
		if detail == "" {
			detail = "unknown error"
		}
		last = fmt.Sprintf("%s: %s", o.Destination, detail)
		failures = append(failures, last)
	}

	if sum.Succeeded == 0 {
		sum.Result = ResultNone
		c, err := Fail(p, last)
		return c, sum, err
	}

	if p.Status != models.PostStatusScheduled {
		return Change{}, sum, reject(p.Status, models.PostStatusPublished, TriggerDispatch, "")
	}
	c, err := begin(p, models.PostStatusPublished, TriggerDispatch)
	if err != nil {
		return Change{}, sum, err
	}
	at := now.UTC()
	c.Next.Status = models.PostStatusPublished
	c.Next.PublishedAt = &at
	c.Next.ErrorMessage = nil
	sum.Result = ResultAll
	if sum.Failed > 0 {
		sum.Result = ResultPartial
		msg := fmt.Sprintf("partial delivery (%d/%d failed): %s", sum.Failed, len(outcomes), strings.Join(failures, "; "))
		c.Next.ErrorMessage = &msg
	}
	return c, sum, nil
}
