package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/agency-console/internal/auth"
	"github.com/hatemosphere/agency-console/internal/content"
)

// registerContent registers the site content operations. Everyone with a
// console role may read; editors and above may write.
func (s *Server) registerContent(api huma.API) {
	registerSingleton(api, s.site.Hero)
	registerSingleton(api, s.site.Header)
	registerSingleton(api, s.site.Footer)
	registerCollection(api, s.site.Testimonials, "testimonial")
	registerCollection(api, s.site.Features, "feature")
	registerCollection(api, s.site.Services, "service")
}

func registerSingleton[T any](api huma.API, sg *content.Singleton[T]) {
	name := sg.Name()
	path := "/api/console/" + name
	tags := []string{ucfirst(name)}

	huma.Register(api, huma.Operation{
		OperationID: "get" + ucfirst(name),
		Method:      http.MethodGet,
		Path:        path,
		Tags:        tags,
		Metadata:    requires(auth.RoleViewer),
	}, func(ctx context.Context, input *struct{}) (*SingletonOutput[T], error) {
		e, err := sg.Get(ctx)
		if err != nil {
			return nil, apiError("get"+ucfirst(name), err)
		}
		if e == nil {
			return nil, huma.NewError(http.StatusNotFound, name+" has not been saved yet")
		}
		return &SingletonOutput[T]{Body: e}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put" + ucfirst(name),
		Method:      http.MethodPut,
		Path:        path,
		Tags:        tags,
		Metadata:    requires(auth.RoleEditor),
	}, func(ctx context.Context, input *PutSingletonInput[T]) (*SingletonOutput[T], error) {
		e, err := sg.Put(ctx, actorName(ctx), input.Body)
		if err != nil {
			return nil, apiError("put"+ucfirst(name), err)
		}
		return &SingletonOutput[T]{Body: e}, nil
	})
}

func registerCollection[T any](api huma.API, c *content.Collection[T], singular string) {
	name := c.Name()
	path := "/api/console/" + name
	tags := []string{ucfirst(name)}
	one, many := ucfirst(singular), ucfirst(name)

	huma.Register(api, huma.Operation{
		OperationID: "list" + many,
		Method:      http.MethodGet,
		Path:        path,
		Tags:        tags,
		Metadata:    requires(auth.RoleViewer),
	}, func(ctx context.Context, input *struct{}) (*ListItemsOutput[T], error) {
		items, err := c.List(ctx)
		if err != nil {
			return nil, apiError("list"+many, err)
		}
		out := &ListItemsOutput[T]{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create" + one,
		Method:        http.MethodPost,
		Path:          path,
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
		Metadata:      requires(auth.RoleEditor),
	}, func(ctx context.Context, input *CreateItemInput[T]) (*ItemOutput[T], error) {
		e, err := c.Create(ctx, actorName(ctx), input.Body)
		if err != nil {
			return nil, apiError("create"+one, err)
		}
		return &ItemOutput[T]{Body: e}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder" + many,
		Method:      http.MethodPut,
		Path:        path + "/order",
		Tags:        tags,
		Description: "Sets the display order. ids must list every item exactly once.",
		Metadata:    requires(auth.RoleEditor),
	}, func(ctx context.Context, input *ReorderInput) (*ListItemsOutput[T], error) {
		if err := c.Reorder(ctx, actorName(ctx), input.Body.IDs); err != nil {
			return nil, apiError("reorder"+many, err)
		}
		items, err := c.List(ctx)
		if err != nil {
			return nil, apiError("reorder"+many, err)
		}
		out := &ListItemsOutput[T]{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get" + one,
		Method:      http.MethodGet,
		Path:        path + "/{id}",
		Tags:        tags,
		Metadata:    requires(auth.RoleViewer),
	}, func(ctx context.Context, input *ItemInput) (*ItemOutput[T], error) {
		if !validItemID(input.ID) {
			return nil, apiError("get"+one, content.ErrNotFound)
		}
		e, err := c.Get(ctx, input.ID)
		if err != nil {
			return nil, apiError("get"+one, err)
		}
		return &ItemOutput[T]{Body: e}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update" + one,
		Method:      http.MethodPut,
		Path:        path + "/{id}",
		Tags:        tags,
		Metadata:    requires(auth.RoleEditor),
	}, func(ctx context.Context, input *UpdateItemInput[T]) (*ItemOutput[T], error) {
		if !validItemID(input.ID) {
			return nil, apiError("update"+one, content.ErrNotFound)
		}
		e, err := c.Update(ctx, actorName(ctx), input.ID, input.Body)
		if err != nil {
			return nil, apiError("update"+one, err)
		}
		return &ItemOutput[T]{Body: e}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete" + one,
		Method:        http.MethodDelete,
		Path:          path + "/{id}",
		Tags:          tags,
		DefaultStatus: http.StatusNoContent,
		Metadata:      requires(auth.RoleEditor),
	}, func(ctx context.Context, input *ItemInput) (*struct{}, error) {
		if !validItemID(input.ID) {
			return nil, apiError("delete"+one, content.ErrNotFound)
		}
		if err := c.Delete(ctx, input.ID); err != nil {
			return nil, apiError("delete"+one, err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move" + one,
		Method:      http.MethodPost,
		Path:        path + "/{id}/move",
		Tags:        tags,
		Description: "Moves the item to index, shifting the items in between.",
		Metadata:    requires(auth.RoleEditor),
	}, func(ctx context.Context, input *MoveInput) (*ListItemsOutput[T], error) {
		if !validItemID(input.ID) {
			return nil, apiError("move"+one, content.ErrNotFound)
		}
		items, err := c.Move(ctx, actorName(ctx), input.ID, input.Body.Index)
		if err != nil {
			return nil, apiError("move"+one, err)
		}
		out := &ListItemsOutput[T]{}
		out.Body.Items = items
		return out, nil
	})
}

// actorName is the principal recorded as the author of a change.
func actorName(ctx context.Context) string {
	return auth.PrincipalFromContext(ctx).Name()
}

// ucfirst capitalizes the first character of an ASCII name.
func ucfirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
