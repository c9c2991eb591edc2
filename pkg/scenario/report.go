// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"sigs.k8s.io/yaml"
)

// Format is a report encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
	FormatYAML Format = "yaml"
)

var ErrUnknownFormat = errors.New("unknown report format")

// ParseFormat parses a report format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatText, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Ext returns the file extension of the format.
func (f Format) Ext() string {
	if f == FormatText {
		return "txt"
	}
	return string(f)
}

// Write encodes r to w.
func (f Format) Write(w io.Writer, r *Result) error {
	switch f {
	case FormatJSON:
		return WriteJSON(w, r)
	case FormatText:
		return WriteText(w, r)
	case FormatYAML:
		return WriteYAML(w, r)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

// WriteJSON writes r as indented JSON.
func WriteJSON(w io.Writer, r *Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteYAML writes r as YAML.
func WriteYAML(w io.Writer, r *Result) error {
	b, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// WriteText writes a human-readable summary of r.
func WriteText(w io.Writer, r *Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "run %s\tforce=%t\tstatus=%s\tduration=%s\n",
		r.RunID, r.Force, r.Status, seconds(r.DurationSeconds))
	if r.Namespace != "" {
		fmt.Fprintf(tw, "namespace\t%s\n", r.Namespace)
	}
	if len(r.Workers)+len(r.Masters) > 0 {
		fmt.Fprintf(tw, "nodes\tworkers=%d\tmasters=%d\n", len(r.Workers), len(r.Masters))
	}

	fmt.Fprintln(tw)
	steps := r.Steps
	if r.Cleanup != nil {
		steps = append(steps[:len(steps):len(steps)], *r.Cleanup)
	}
	for _, s := range steps {
		mark := "ok"
		if !s.Succeeded() {
			mark = "FAIL"
		}
		fmt.Fprintf(tw, "[%s]\t%s\t%s\t%s\n", mark, s.Name, seconds(s.DurationSeconds), s.Error)
	}

	if len(r.Baseline) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "vm\tbaseline\tpost-recovery")
		post := make(map[string]string, len(r.PostRecovery))
		for _, e := range r.PostRecovery {
			post[e.VM] = e.Checksum
		}
		for _, e := range r.Baseline {
			p := post[e.VM]
			if p == "" {
				p = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.VM, e.Checksum, p)
		}
	}

	return tw.Flush()
}

func seconds(s float64) string {
	return time.Duration(s * float64(time.Second)).Round(time.Second).String()
}
