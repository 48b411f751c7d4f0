package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"mesh-nms/pkg/model"
)

// writeDocument re-renders a JSON document as json, yaml or a one-line
// summary.
func writeDocument(w io.Writer, raw []byte, format string) error {
	switch format {
	case "json":
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return errors.Annotate(err, "format json")
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	case "yaml":
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return errors.Annotate(err, "decode state")
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return errors.Annotate(err, "format yaml")
		}
		return enc.Close()
	case "summary":
		var st model.NetworkState
		if err := json.Unmarshal(raw, &st); err != nil {
			return errors.Annotate(err, "decode state")
		}
		writeSummary(w, st)
		return nil
	}
	return errors.NotValidf("output format %q", format)
}

func writeSummary(w io.Writer, st model.NetworkState) {
	status := "online"
	if !st.ControllerOnline {
		status = "offline"
	}
	online := 0
	for _, n := range st.Topology.Nodes {
		if n.Status.IsOnline() {
			online++
		}
	}
	fmt.Fprintf(w, "%s %s controller=%s(%s) active=%s nodes=%d/%d links=%d failures=%d",
		time.Now().Format(time.RFC3339), st.Name, status, st.ControllerIPActive, st.Active,
		online, len(st.Topology.Nodes), len(st.Topology.Links), st.ControllerFailures)
	if st.ControllerError != "" {
		fmt.Fprintf(w, " error=%q", st.ControllerError)
	}
	fmt.Fprintln(w)
}
