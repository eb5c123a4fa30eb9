// Copyright 2025 the Spine Authors
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

// Package pipelines implements the spine pipelines command.
package pipelines

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spine-io/spine/internal/commands/shared"
)

// NewPipelinesCommand creates the pipelines command
func NewPipelinesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "List registered pipelines",
		Long: `List every pipeline the domain loaders register, with the parameter
contract each one declares. Optional parameters are marked with "?".`,
		Args: cobra.NoArgs,
		RunE: runPipelines,
	}

	return cmd
}

type pipelineInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Domain      string      `json:"domain,omitempty"`
	Stage       string      `json:"stage,omitempty"`
	Params      []paramInfo `json:"params,omitempty"`
}

type paramInfo struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

func runPipelines(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	stack, err := rt.Stack()
	if err != nil {
		return shared.NewConfigError("loading pipelines", err)
	}
	if err := stack.Registry.LoadAll(); err != nil {
		return shared.NewConfigError("loading pipelines", err)
	}

	infos, err := describeAll(stack)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string][]pipelineInfo{"pipelines": infos})
	}

	if len(infos) == 0 {
		cmd.Println("No pipelines registered.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PIPELINE\tDOMAIN\tSTAGE\tPARAMS\tDESCRIPTION")
	for _, info := range infos {
		params := make([]string, 0, len(info.Params))
		for _, p := range info.Params {
			name := p.Name
			if !p.Required {
				name += "?"
			}
			params = append(params, name)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			info.Name, orDash(info.Domain), orDash(info.Stage),
			strings.Join(params, ","), info.Description)
	}
	w.Flush()

	return nil
}

// describeAll instantiates each registered pipeline once to read its
// declared contract. Names() is already sorted.
func describeAll(stack *shared.Stack) ([]pipelineInfo, error) {
	names := stack.Registry.Names()
	infos := make([]pipelineInfo, 0, len(names))
	for _, name := range names {
		factory, err := stack.Registry.Get(name)
		if err != nil {
			return nil, err
		}
		p, err := factory()
		if err != nil {
			return nil, err
		}
		spec := p.Spec()

		info := pipelineInfo{
			Name:        name,
			Description: spec.Description,
			Domain:      spec.Domain,
			Stage:       spec.Stage,
		}
		for _, ps := range spec.Params {
			info.Params = append(info.Params, paramInfo{
				Name:     ps.Name,
				Required: ps.Required,
				Default:  ps.Default,
			})
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
