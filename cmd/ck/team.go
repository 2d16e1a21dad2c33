package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"cookline/internal/config"
	"cookline/internal/domain"
	"cookline/internal/engine"
)

func initCmd() *cobra.Command {
	var id, name, configPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a team in the workspace; the acting user becomes its admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = viper.GetString("team")
			}
			if id == "" {
				return fmt.Errorf("--id required")
			}
			var cfg *config.Config
			if configPath != "" {
				loaded, err := config.FromFile(configPath)
				if err != nil {
					return err
				}
				if loaded.Team.ID != id {
					return fmt.Errorf("config team id %s does not match %s", loaded.Team.ID, id)
				}
				cfg = loaded
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				team, err := e.InitTeam(ctx, engine.InitTeamOptions{ID: id, Name: name, AdminID: viper.GetString("user"), Config: cfg})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(team)
				}
				fmt.Printf("Initialised team %s with admin %s\n", team.ID, viper.GetString("user"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "team id")
	cmd.Flags().StringVar(&name, "name", "", "team name")
	cmd.Flags().StringVar(&configPath, "config", "", "policy file (cookline.yml) to start from")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Team policy configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the team config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if viper.GetBool("json") {
					return printJSON(s.Config)
				}
				out, err := yaml.Marshal(s.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print a default cookline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			teamID := viper.GetString("team")
			if teamID == "" {
				teamID = "my-team"
			}
			fmt.Print(config.GenerateDefault(teamID))
			return nil
		},
	})
	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Replace the team config from a YAML file (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				saved, err := s.Engine.UpdateTeamConfig(ctx, s.TeamID, s.UserID, cfg)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("Imported config for team %s\n", s.TeamID)
				return nil
			})
		},
	}
	imp.Flags().StringVarP(&file, "file", "f", "cookline.yml", "config file")
	c.AddCommand(imp)
	return c
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Team membership"}
	m.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				members, err := s.Engine.ListMembers(ctx, s.TeamID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := newTable("User", "Role", "Joined")
				for _, mb := range members {
					tw.AppendRow(table.Row{mb.UserID, mb.Role, mb.JoinedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	var role string
	add := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Add a member or change their role (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				mb, err := s.Engine.AddMember(ctx, s.TeamID, s.UserID, args[0], domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(mb)
				}
				fmt.Printf("%s is now %s in %s\n", mb.UserID, mb.Role, s.TeamID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&role, "role", string(domain.RoleContributor), "admin, steward, reviewer or contributor")
	m.AddCommand(add)
	return m
}
