package batch

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/vat-checker/constants"
	"github.com/joseph-ayodele/vat-checker/internal/lookupkey"
	"github.com/joseph-ayodele/vat-checker/internal/registry"
	"github.com/joseph-ayodele/vat-checker/internal/repository"
)

// Row is one result line, shared by submit and poll responses.
type Row struct {
	Input            string              `json:"input"`
	Source           constants.RowSource `json:"source"`
	State            string              `json:"state"`
	LookupKey        string              `json:"lookup_key"`
	JurisdictionCode string              `json:"jurisdiction_code"`
	IdentifierBody   string              `json:"identifier_body"`
	Valid            *bool               `json:"valid"`
	Name             string              `json:"name"`
	Address          string              `json:"address"`
	ErrorCode        string              `json:"error_code"`
	ErrorMessage     string              `json:"error_message"`
	Attempt          *int                `json:"attempt,omitempty"`
	NextRetryAt      *time.Time          `json:"next_retry_at,omitempty"`
	JobID            *string             `json:"job_id,omitempty"`
}

// JobView is the job header of a poll response.
type JobView struct {
	JobID     string              `json:"job_id"`
	Status    constants.JobStatus `json:"status"`
	Total     int                 `json:"total"`
	Done      int                 `json:"done"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Message   string              `json:"message"`
}

type SubmitResult struct {
	Count   int     `json:"count"`
	JobID   *string `json:"job_id"`
	Results []Row   `json:"results"`
}

type PollResult struct {
	Job     JobView `json:"job"`
	Results []Row   `json:"results"`
}

func keyRow(input string, key lookupkey.Key, source constants.RowSource, state constants.ItemState) Row {
	return Row{
		Input:            input,
		Source:           source,
		State:            string(state),
		LookupKey:        key.String(),
		JurisdictionCode: key.Jurisdiction,
		IdentifierBody:   key.Body,
	}
}

func malformedRow(input string, err *lookupkey.MalformedError) Row {
	return Row{
		Input:        input,
		Source:       constants.SourceInput,
		State:        string(constants.ItemError),
		ErrorCode:    constants.CodeMalformedInput,
		ErrorMessage: string(err.Reason),
	}
}

// applyVerdict fills the verdict fields from a cached or fresh payload.
func (r *Row) applyVerdict(payload []byte) error {
	var res registry.CheckResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return err
	}
	r.applyResult(&res)
	return nil
}

func (r *Row) applyResult(res *registry.CheckResult) {
	valid := res.Valid
	r.Valid = &valid
	r.Name = res.Name
	r.Address = res.Address
}

func itemRow(it *repository.Item, jobID string) (Row, error) {
	row := keyRow(it.Input, lookupkey.Key{Jurisdiction: it.Jurisdiction, Body: it.Identifier}, it.Source, it.State)
	row.JobID = &jobID
	if it.Attempts > 0 {
		attempts := it.Attempts
		row.Attempt = &attempts
	}
	switch it.State {
	case constants.ItemDone:
		if err := row.applyVerdict(it.ResultPayload); err != nil {
			return row, err
		}
	default:
		row.ErrorCode = it.LastErrorCode
		row.ErrorMessage = it.LastErrorMessage
		row.NextRetryAt = it.NextDueAt
	}
	return row, nil
}
