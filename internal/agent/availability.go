package agent

import (
	"regexp"
	"strings"

	"github.com/gosuda/mcproxy/internal/domain"
)

// Tool names the availability heuristics understand.
const (
	ToolSearchIndicators = "search_indicators"
	ToolGetObservations  = "get_observations"
)

// User-facing explanations for missing data.
const (
	MessageNoVariables    = "We didn't find any matching data variables for your query."
	MessageNoObservations = "We found the data variable but there are no observations available."
	MessageNoData         = "We didn't find data for your query."
)

var timeSeriesWithData = regexp.MustCompile(`"time_series":\s*\[\s*\[`) //nolint:gochecknoglobals // compiled once

// Assessor decides whether a set of tool calls produced usable data.
type Assessor interface {
	Assess(calls []domain.ToolCallRecord) domain.DataStatus
}

// HeuristicAssessor inspects tool result text for known empty and non-empty
// markers of the Data Commons tools. Results are matched case-insensitively
// except for the time series pattern.
type HeuristicAssessor struct{}

// Assess implements Assessor.
func (HeuristicAssessor) Assess(calls []domain.ToolCallRecord) domain.DataStatus {
	var (
		searchCalled       bool
		observationsCalled bool
		noVariables        bool
		hasAny             bool
	)
	allEmpty := true

	for _, call := range calls {
		result := strings.ToLower(call.Result)

		switch call.Name {
		case ToolSearchIndicators:
			searchCalled = true
			if searchFoundNothing(result) {
				noVariables = true
			}

		case ToolGetObservations:
			observationsCalled = true
			if timeSeriesWithData.MatchString(call.Result) {
				hasAny = true
				allEmpty = false
			}
			if !observationsEmpty(result) {
				allEmpty = false
			}
		}
	}

	var hasData bool
	switch {
	case searchCalled && noVariables:
		hasData = false
	case observationsCalled && allEmpty && !hasAny:
		hasData = false
	default:
		hasData = hasAny || (observationsCalled && !allEmpty)
	}

	status := domain.DataStatus{
		HasData:             hasData,
		NoVariablesFound:    noVariables,
		NoObservationsFound: allEmpty,
		SearchCalled:        searchCalled,
		ObservationsCalled:  observationsCalled,
	}
	if !hasData {
		switch {
		case noVariables:
			status.Message = MessageNoVariables
		case observationsCalled && allEmpty:
			status.Message = MessageNoObservations
		default:
			status.Message = MessageNoData
		}
	}
	return status
}

func searchFoundNothing(result string) bool {
	return strings.Contains(result, "no indicators found") ||
		strings.Contains(result, `"variables": []`) ||
		strings.Contains(result, "no matching") ||
		strings.Contains(result, "could not find") ||
		(strings.Contains(result, `"indicators":`) && strings.Contains(result, "[]"))
}

func observationsEmpty(result string) bool {
	return strings.Contains(result, "no data") ||
		strings.Contains(result, `"observations": []`) ||
		strings.Contains(result, `"time_series": []`) ||
		strings.Contains(result, `"time_series":[]`) ||
		strings.Contains(result, "no observations")
}
