// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"bytes"
	"context"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// applyAttachments merges one attachment action into the case's stored
// attachment set. Present entries get their content fetched from the
// originating form so size and image dimensions can be recorded; absent
// entries remove the existing attachment. The fetch is the one place
// replay performs I/O; when content cannot be fetched the metadata is
// merged as-is rather than aborting the replay.
func (s *UpdateStrategy) applyAttachments(ctx context.Context, a CaseAction, form *Form) {
	c := s.Case
	if c.Attachments == nil {
		c.Attachments = make(map[string]CaseAttachment)
	}

	formID := a.XFormID
	if form != nil {
		formID = form.ID
	}

	for _, att := range a.Attachments {
		if !att.IsPresent {
			delete(c.Attachments, att.Identifier)
			continue
		}
		content, err := s.fetchFormAttachment(ctx, formID, att.Src)
		if err != nil {
			s.Logger.Warn("Cannot fetch form attachment during replay",
				"case_id", c.ID, "form_id", formID, "name", att.Src, "error", err)
		} else {
			att.Size = len(content)
			if att.IsImage() {
				if cfg, _, err := image.DecodeConfig(bytes.NewReader(content)); err == nil {
					att.Width = cfg.Width
					att.Height = cfg.Height
				}
			}
		}
		c.Attachments[att.Identifier] = att
	}
}

func (s *UpdateStrategy) fetchFormAttachment(ctx context.Context, formID, name string) ([]byte, error) {
	if s.Forms == nil {
		return nil, ErrFormNotFound
	}
	return s.Forms.FetchAttachment(ctx, formID, name)
}
