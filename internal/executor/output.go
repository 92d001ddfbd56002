package executor

import (
	"encoding/json"
)

// Output mime types.
const (
	MimeError  = "application/vnd.code.notebook.error"
	MimeStdout = "application/vnd.code.notebook.stdout"
	MimeStderr = "application/vnd.code.notebook.stderr"
	MimeClient = "application/x-cellar-client"
	MimeJSON   = "application/json"
	MimeText   = "text/x-javascript"
	MimeHTML   = "text/html"
	MimeSVG    = "image/svg+xml"
)

// OutputItem is one rendered output. Data is the UTF-8 payload and travels
// as an array of byte values.
type OutputItem struct {
	Mime string
	Data []byte
}

type wireItem struct {
	Mime string `json:"mime"`
	Data []int  `json:"data"`
}

func (i OutputItem) MarshalJSON() ([]byte, error) {
	data := make([]int, len(i.Data))
	for n, b := range i.Data {
		data[n] = int(b)
	}
	return json.Marshal(wireItem{Mime: i.Mime, Data: data})
}

func (i *OutputItem) UnmarshalJSON(b []byte) error {
	var w wireItem
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	i.Mime = w.Mime
	i.Data = make([]byte, len(w.Data))
	for n, v := range w.Data {
		i.Data[n] = byte(v)
	}
	return nil
}

// CellOutput is the payload of updateCellOutput and endCellExecution.
type CellOutput struct {
	Items []OutputItem `json:"items"`
}

// TextItem builds an item from a string payload.
func TextItem(mime, text string) OutputItem {
	return OutputItem{Mime: mime, Data: []byte(text)}
}

type errorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ErrorItem builds an error output.
func ErrorItem(name, message, stack string) OutputItem {
	b, err := json.MarshalIndent(errorBody{Name: name, Message: message, Stack: stack}, "", "\t")
	if err != nil {
		b = []byte(`{"name":"Error","message":"unencodable error"}`)
	}
	return OutputItem{Mime: MimeError, Data: b}
}
