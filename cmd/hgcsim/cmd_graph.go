package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/hgcsim/internal/pipeline"
	"github.com/kingrea/hgcsim/internal/workflow"
)

func (a *app) graphCmd() *cobra.Command {
	var (
		flags  taskFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the task graph of a request without running it",
		Long: `Builds the task graph run would execute and prints it as YAML, or
writes it to --output. The file can be edited and passed to run --definition.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.stack()
			if err != nil {
				return err
			}
			req, err := flags.request(cmd, st.set, workflow.WorkflowRuntimeConfig{})
			if err != nil {
				return err
			}
			def, err := pipeline.Build(st.catalog, req)
			if err != nil {
				return err
			}
			if output != "" {
				if err := workflow.WriteDefinitionFile(output, def); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "wrote %s (%d nodes)\n", output, len(def.Modules))
				return nil
			}
			data, err := workflow.MarshalDefinitionYAML(def)
			if err != nil {
				return err
			}
			_, err = a.out.Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the graph to this file")
	if err := flags.register(cmd); err != nil {
		panic(err)
	}
	_ = cmd.MarkFlagRequired("version")
	return cmd
}
