package cli

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/santiagomed/kiln/logger"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln turns a project description into a generated code base",
	Long:  `Kiln researches similar products, writes a requirements document, plans the files of a project and generates each of them with language models.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the generation HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags, err := parseServeFlags(cmd)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), flags)
	},
}

var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate a project through a running kiln server",
	Run: func(cmd *cobra.Command, args []string) {
		flags, err := parseGenFlags(cmd)
		if err != nil {
			fmt.Printf("Error parsing flags: %v\n", err)
			os.Exit(1)
		}

		l, err := logger.NewFileLogger("kiln.log", "debug")
		if err != nil {
			l = logger.NewNullLogger()
		}
		l.Debug("Initializing kiln CLI")

		model := newGenerateModel(flags, l)
		p := tea.NewProgram(model)
		final, err := p.Run()
		model.Shutdown()
		if err != nil {
			fmt.Printf("Error running program: %v\n", err)
			os.Exit(1)
		}
		if m, ok := final.(generateCmdModel); ok && m.Err() != nil {
			fmt.Println(errorStyle.Render(m.Err().Error()))
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(genCmd)

	serveCmd.Flags().StringP("config", "c", "", "Path to a config file or to the directory holding config.yaml")
	serveCmd.Flags().String("addr", "", "Listen address, overrides server.addr")

	genCmd.Flags().StringP("project", "p", "", "Project id to generate into")
	genCmd.Flags().StringP("server", "s", "http://localhost:8080", "Base URL of the kiln server")
	genCmd.Flags().String("prompt", "", "Project description, prefilled in the prompt")
	genCmd.MarkFlagRequired("project")
}

func parseServeFlags(cmd *cobra.Command) (serveFlags, error) {
	config, err := cmd.Flags().GetString("config")
	if err != nil {
		return serveFlags{}, err
	}
	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return serveFlags{}, err
	}
	return serveFlags{config: config, addr: addr}, nil
}

func parseGenFlags(cmd *cobra.Command) (genFlags, error) {
	project, err := cmd.Flags().GetString("project")
	if err != nil {
		return genFlags{}, err
	}
	server, err := cmd.Flags().GetString("server")
	if err != nil {
		return genFlags{}, err
	}
	prompt, err := cmd.Flags().GetString("prompt")
	if err != nil {
		return genFlags{}, err
	}
	return genFlags{project: project, server: server, prompt: prompt}, nil
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
