package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"seopilot/internal/domain"
	"seopilot/internal/engine"
	"seopilot/internal/report"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd(), projectListCmd(), projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project for the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.TenantID = tenantID()
				opts.ActorID = actorID()
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Domain, "domain", "", "site domain audited when no page is given")
	cmd.Flags().StringVar(&opts.Plan, "plan", "", "plan for a new tenant (defaults to default_plan)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tenant's projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, tenantID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Domain", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Domain, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.Auth.ProjectForTenant(ctx, tenantID(), projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func pageCmd() *cobra.Command {
	pg := &cobra.Command{Use: "page", Short: "Manage the page inventory"}
	var title string
	add := &cobra.Command{
		Use:   "add <url>",
		Short: "Add a page (re-adding a URL returns the existing page)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.AddPage(ctx, projectID, args[0], title, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	add.Flags().StringVar(&title, "title", "", "page title")
	list := &cobra.Command{
		Use:   "list",
		Short: "List pages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListPages(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "URL", "Title", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.URL, p.Title, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete <page-id>",
		Short: "Delete a page; its audits lose the page reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if _, err := e.Auth.PageInProject(ctx, tenantID(), projectID, args[0]); err != nil {
					return err
				}
				return e.DeletePage(ctx, args[0], actorID())
			})
		},
	}
	pg.AddCommand(add, list, del)
	return pg
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Create and run audits"}
	a.AddCommand(auditCreateCmd(), auditRunCmd(), auditQueueCmd(), auditListCmd(), auditShowCmd(), auditDeleteCmd(), auditReportCmd())
	return a
}

func auditCreateCmd() *cobra.Command {
	var opts engine.AuditCreateOptions
	var run bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending audit (consumes one automation run)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				opts.ActorID = actorID()
				a, err := e.CreateAudit(ctx, opts)
				if err != nil {
					return err
				}
				if run {
					if a, err = e.RunAudit(ctx, a.ID, actorID()); err != nil {
						return err
					}
				}
				return printAudit(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "audit type: "+strings.Join(domain.AuditTypes, "|"))
	cmd.Flags().StringVar(&opts.PageID, "page", "", "page id (defaults to the project domain)")
	cmd.Flags().StringVar(&opts.Trigger, "trigger", domain.TriggerManual, "trigger: "+strings.Join(domain.Triggers, "|"))
	cmd.Flags().StringVar(&opts.JobID, "job-id", "", "external job id")
	cmd.Flags().BoolVar(&run, "run", false, "run the audit right away")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func auditRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <audit-id>",
		Short: "Run a pending or queued audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if _, err := e.Auth.AuditInProject(ctx, tenantID(), projectID, args[0]); err != nil {
					return err
				}
				a, err := e.RunAudit(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printAudit(a)
			})
		},
	}
}

func auditQueueCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "queue <audit-id>",
		Short: "Mark a pending audit as handed to a scheduler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if _, err := e.Auth.AuditInProject(ctx, tenantID(), projectID, args[0]); err != nil {
					return err
				}
				a, err := e.QueueAudit(ctx, args[0], jobID, actorID())
				if err != nil {
					return err
				}
				return printAudit(a)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "scheduler job id")
	return cmd
}

func auditListCmd() *cobra.Command {
	var opts engine.AuditListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audits, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListAudits(ctx, projectID, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Type", "Status", "Score", "Page", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Type, a.Status, scoreText(a.Score), deref(a.PageID), a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&opts.PageID, "page", "", "page filter")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of audits")
	return cmd
}

func auditShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <audit-id>",
		Short: "Show an audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				a, err := e.Auth.AuditInProject(ctx, tenantID(), projectID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func auditDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <audit-id>",
		Short: "Delete an audit with its issues and fixes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if _, err := e.Auth.AuditInProject(ctx, tenantID(), projectID, args[0]); err != nil {
					return err
				}
				return e.DeleteAudit(ctx, args[0], actorID())
			})
		},
	}
}

func auditReportCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "report <audit-id>",
		Short: "Render a Markdown report (stdout, or a file in --out)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if _, err := e.Auth.AuditInProject(ctx, tenantID(), projectID, args[0]); err != nil {
					return err
				}
				r, err := e.AuditReport(ctx, args[0])
				if err != nil {
					return err
				}
				if outDir == "" {
					fmt.Print(report.Markdown(r))
					return nil
				}
				path, err := report.SaveMarkdown(outDir, r)
				if err != nil {
					return err
				}
				fmt.Println("wrote", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "directory to write the report into")
	return cmd
}

func issueCmd() *cobra.Command {
	is := &cobra.Command{Use: "issue", Short: "Inspect and triage issues"}
	var opts engine.IssueListOptions
	list := &cobra.Command{
		Use:   "list <audit-id>",
		Short: "List issues of an audit, most severe first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if _, err := e.Auth.AuditInProject(ctx, tenantID(), projectID, args[0]); err != nil {
					return err
				}
				items, err := e.ListIssues(ctx, args[0], opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Code", "Severity", "Category", "Status", "Fixes"})
				for _, i := range items {
					tw.AppendRow(table.Row{i.ID, i.Code, i.Severity, i.Category, i.Status, i.FixCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&opts.Status, "status", "", "status filter")
	list.Flags().StringVar(&opts.Severity, "severity", "", "severity filter")
	list.Flags().StringVar(&opts.Category, "category", "", "category filter")
	show := &cobra.Command{
		Use:   "show <issue-id>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				i, err := e.Auth.IssueInProject(ctx, tenantID(), projectID, "", args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	status := &cobra.Command{
		Use:   "status <issue-id> <" + strings.Join(domain.IssueStatuses, "|") + ">",
		Short: "Change issue status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if _, err := e.Auth.IssueInProject(ctx, tenantID(), projectID, "", args[0]); err != nil {
					return err
				}
				i, err := e.SetIssueStatus(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	is.AddCommand(list, show, status)
	return is
}

func fixCmd() *cobra.Command {
	fx := &cobra.Command{Use: "fix", Short: "Attach and generate fixes"}
	var text, provider string
	add := &cobra.Command{
		Use:   "add <issue-id>",
		Short: "Attach a manual fix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if _, err := e.Auth.IssueInProject(ctx, tenantID(), projectID, "", args[0]); err != nil {
					return err
				}
				actor := actorID()
				content := domain.Document{}
				if strings.TrimSpace(text) != "" {
					content["text"] = text
				}
				f, err := e.CreateFix(ctx, args[0], domain.FixProviderManual, content, &actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	add.Flags().StringVar(&text, "text", "", "fix description")
	_ = add.MarkFlagRequired("text")
	generate := &cobra.Command{
		Use:   "generate <issue-id>",
		Short: "Generate a fix with an AI provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if _, err := e.Auth.IssueInProject(ctx, tenantID(), projectID, "", args[0]); err != nil {
					return err
				}
				f, err := e.GenerateAiFix(ctx, args[0], provider, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(f)
				}
				fmt.Printf("fix %s (%s, %v)\n\n%v\n", f.ID, f.Provider, f.Content["model"], f.Content["text"])
				return nil
			})
		},
	}
	generate.Flags().StringVar(&provider, "provider", domain.FixProviderGPT, "provider: "+strings.Join(domain.AIProviders, "|"))
	list := &cobra.Command{
		Use:   "list <issue-id>",
		Short: "List fixes of an issue in creation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if _, err := e.Auth.IssueInProject(ctx, tenantID(), projectID, "", args[0]); err != nil {
					return err
				}
				items, err := e.ListFixes(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Provider", "Created", "By", "Text"})
				for _, f := range items {
					text, _ := f.Content["text"].(string)
					tw.AppendRow(table.Row{f.ID, f.Provider, f.CreatedAt, deref(f.CreatedByID), truncateText(text, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	fx.AddCommand(add, generate, list)
	return fx
}

func quotaCmd() *cobra.Command {
	q := &cobra.Command{Use: "quota", Short: "Automation run quota"}
	q.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show this period's automation run usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				d, err := e.QuotaUsage(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				limit := fmt.Sprintf("%d", d.Limit)
				if d.Limit < 0 {
					limit = "unlimited"
				}
				tw := newTable(table.Row{"Plan", "Period", "Used", "Limit", "Allowed"})
				tw.AppendRow(table.Row{d.Plan, d.Period, d.Used, limit, d.Allowed})
				tw.Render()
				return nil
			})
		},
	})
	return q
}

func tenantCmd() *cobra.Command {
	t := &cobra.Command{Use: "tenant", Short: "Tenant settings"}
	t.AddCommand(&cobra.Command{
		Use:   "set-plan <plan>",
		Short: "Move the tenant to another configured plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tn, err := e.SetTenantPlan(ctx, tenantID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(tn)
			})
		},
	})
	return t
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the actor and tenant; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.CreateAPIKey(ctx, tenantID(), actorID(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "tenant_id": key.TenantID, "key": plain})
				}
				fmt.Printf("api key %s for %s/%s\n%s\n", key.ID, key.TenantID, key.ActorID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	k.AddCommand(create)
	return k
}

func printAudit(a domain.Audit) error {
	if viper.GetBool("json") {
		return printJSON(a)
	}
	tw := newTable(table.Row{"ID", "Type", "Status", "Score", "Runner", "Summary / Error"})
	detail := a.Summary
	if a.Error != nil {
		detail = *a.Error
	}
	tw.AppendRow(table.Row{a.ID, a.Type, a.Status, scoreText(a.Score), a.Runner, truncateText(detail, 80)})
	tw.Render()
	return nil
}

func scoreText(score *int) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *score)
}

func truncateText(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
