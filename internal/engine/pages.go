package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"seopilot/internal/domain"
	"seopilot/internal/events"
	"seopilot/internal/repo"
)

// AddPage records a URL of the project. Adding a URL that is already tracked
// returns the existing page, refreshing its title when one is given.
func (e Engine) AddPage(ctx context.Context, projectID, rawURL, title, actorID string) (domain.Page, error) {
	u, err := normalizeURL(rawURL)
	if err != nil {
		return domain.Page{}, err
	}
	now := e.stamp()
	var page domain.Page
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
			return err
		}
		existing, err := e.Repo.FindPageByURL(ctx, tx, projectID, u.String())
		switch {
		case err == nil:
			if title != "" && title != existing.Title {
				if err := e.Repo.UpdatePageTitle(ctx, tx, existing.ID, title, now); err != nil {
					return err
				}
				existing.Title = title
				existing.UpdatedAt = now
			}
			page = existing
			return nil
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		page = domain.Page{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			URL:       u.String(),
			Host:      u.Hostname(),
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertPage(ctx, tx, page); err != nil {
			return err
		}
		return e.writer().Append(ctx, tx, events.Event{
			Type: events.PageAdded, ProjectID: projectID, EntityKind: "page", EntityID: page.ID, ActorID: actorID,
			Payload: events.EventPayload{"url": page.URL},
		})
	})
	if err != nil {
		return domain.Page{}, err
	}
	return page, nil
}

func (e Engine) GetPage(ctx context.Context, pageID string) (domain.Page, error) {
	return e.Repo.GetPage(ctx, nil, pageID)
}

func (e Engine) ListPages(ctx context.Context, projectID string) ([]domain.Page, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListPages(ctx, projectID)
}

// DeletePage tombstones a page. Audits that targeted it keep their history
// but lose the page reference.
func (e Engine) DeletePage(ctx context.Context, pageID, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		page, err := e.Repo.GetPage(ctx, tx, pageID)
		if err != nil {
			return err
		}
		if err := e.Repo.SoftDeletePage(ctx, tx, pageID, e.stamp()); err != nil {
			return err
		}
		return e.writer().Append(ctx, tx, events.Event{
			Type: events.PageDeleted, ProjectID: page.ProjectID, EntityKind: "page", EntityID: pageID, ActorID: actorID,
			Payload: events.EventPayload{"url": page.URL},
		})
	})
}
