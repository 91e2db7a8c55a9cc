package domain

// HistoryMessage is one prior conversation turn supplied by the client.
type HistoryMessage struct {
	Role string `json:"role" doc:"user or assistant/model"`
	Text string `json:"text"`
}

// Source is a knowledge-base document cited by a grounded answer.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// DataStatus summarizes whether the tool phase produced usable data.
type DataStatus struct {
	HasData             bool   `json:"has_data"`
	NoVariablesFound    bool   `json:"no_variables_found"`
	NoObservationsFound bool   `json:"no_observations_found"`
	SearchCalled        bool   `json:"search_called"`
	ObservationsCalled  bool   `json:"observations_called"`
	Message             string `json:"message,omitempty"`
}

// ChartConfig is the visualization hint attached to the terminal event.
type ChartConfig struct {
	ShouldRender   bool     `json:"should_render"`
	VizType        string   `json:"viz_type,omitempty"`
	Title          string   `json:"title,omitempty"`
	VariableDCIDs  []string `json:"variable_dcids,omitempty"`
	PlaceDCIDs     []string `json:"place_dcids,omitempty"`
	ParentPlace    string   `json:"parent_place,omitempty"`
	ChildPlaceType string   `json:"child_place_type,omitempty"`
}
