// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Case block parsing. Two wire versions exist: v1 carries the case id and
// modification date as child elements, v2 carries them as attributes and
// is selected by its XML namespace. The namespace lookup table governs
// dispatch; an unrecognized case-block namespace is a hard parse error.

// ParseCaseBlock turns a single <case> element into a normalized
// CaseUpdate. Pure function, no side effects.
func ParseCaseBlock(el *etree.Element) (*CaseUpdate, error) {
	return parseCaseBlock(el, el.NamespaceURI())
}

// parseCaseBlock dispatches on the case block's effective namespace. The
// caller resolves namespace inheritance: a block that merely inherits its
// enclosing form's default namespace is a v1 block.
func parseCaseBlock(el *etree.Element, ns string) (*CaseUpdate, error) {
	version, ok := namespaceVersionMap[ns]
	if !ok {
		return nil, &CaseValueError{
			Reason: ReasonBadNamespace,
			Detail: fmt.Sprintf("unrecognized case block namespace %q", ns),
		}
	}

	switch version {
	case CaseVersion1:
		return parseCaseBlockV1(el)
	case CaseVersion2:
		return parseCaseBlockV2(el)
	}
	// The table above is exhaustive.
	panic("unreachable case version " + version)
}

func parseCaseBlockV1(el *etree.Element) (*CaseUpdate, error) {
	update := &CaseUpdate{Version: CaseVersion1}

	if idEl := childElement(el, "case_id"); idEl != nil {
		update.ID = strings.TrimSpace(idEl.Text())
	}
	if update.ID == "" {
		return nil, &CaseValueError{
			Reason: ReasonMissingCaseID,
			Detail: "v1 case block has no case_id element",
		}
	}
	if dm := childElement(el, "date_modified"); dm != nil {
		update.ModifiedOnStr = strings.TrimSpace(dm.Text())
	}
	if uid := childElement(el, "user_id"); uid != nil {
		update.UserID = strings.TrimSpace(uid.Text())
	}

	if create := childElement(el, "create"); create != nil {
		update.CreateBlock = blockProperties(create)
	}
	if upd := childElement(el, "update"); upd != nil {
		update.UpdateBlock = blockProperties(upd)
	}
	if childElement(el, "close") != nil {
		update.CloseBlock = true
	}
	if childElement(el, "referral") != nil {
		update.HasReferrals = true
	}
	return update, nil
}

func parseCaseBlockV2(el *etree.Element) (*CaseUpdate, error) {
	update := &CaseUpdate{
		Version:       CaseVersion2,
		ID:            strings.TrimSpace(el.SelectAttrValue("case_id", "")),
		UserID:        strings.TrimSpace(el.SelectAttrValue("user_id", "")),
		ModifiedOnStr: strings.TrimSpace(el.SelectAttrValue("date_modified", "")),
	}
	if update.ID == "" {
		return nil, &CaseValueError{
			Reason: ReasonMissingCaseID,
			Detail: "v2 case block has no case_id attribute",
		}
	}

	if create := childElement(el, "create"); create != nil {
		update.CreateBlock = blockProperties(create)
	}
	if upd := childElement(el, "update"); upd != nil {
		update.UpdateBlock = blockProperties(upd)
	}
	if childElement(el, "close") != nil {
		update.CloseBlock = true
	}
	if index := childElement(el, "index"); index != nil {
		for _, slot := range index.ChildElements() {
			update.Indices = append(update.Indices, CaseIndex{
				Identifier:     slot.Tag,
				ReferencedType: slot.SelectAttrValue("case_type", ""),
				ReferencedID:   strings.TrimSpace(slot.Text()),
			})
		}
	}
	if attach := childElement(el, "attachment"); attach != nil {
		for _, slot := range attach.ChildElements() {
			src := slot.SelectAttrValue("src", "")
			update.Attachments = append(update.Attachments, CaseAttachment{
				Identifier: slot.Tag,
				Src:        src,
				From:       slot.SelectAttrValue("from", ""),
				IsPresent:  src != "",
			})
		}
	}
	return update, nil
}

// blockProperties flattens a create/update sub-block into name → value.
func blockProperties(block *etree.Element) map[string]string {
	props := make(map[string]string)
	for _, child := range block.ChildElements() {
		props[child.Tag] = strings.TrimSpace(child.Text())
	}
	return props
}

// childElement returns the first child with the local tag name, ignoring
// namespace prefixes.
func childElement(el *etree.Element, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

// ExtractCaseUpdates walks a form body recursively and parses every case
// block found, skipping device-log payloads entirely. Parse failures
// abort only the failing block; successfully parsed blocks are still
// returned, with one error per bad block.
func ExtractCaseUpdates(form *Form) ([]*CaseUpdate, []error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(form.RawXML); err != nil {
		return nil, []error{fmt.Errorf("form %s: unparseable body: %w", form.ID, err)}
	}
	root := doc.Root()
	if root == nil {
		return nil, []error{fmt.Errorf("form %s: empty body", form.ID)}
	}

	var updates []*CaseUpdate
	var errs []error

	var walk func(el *etree.Element, parentNS string)
	walk = func(el *etree.Element, parentNS string) {
		ns := el.NamespaceURI()
		if ns == NamespaceDeviceLog {
			return
		}
		if el.Tag == "case" {
			// A block that merely inherits the enclosing form's default
			// namespace carries no namespace of its own (v1).
			blockNS := ns
			if blockNS == parentNS {
				blockNS = ""
			}
			update, err := parseCaseBlock(el, blockNS)
			if err != nil {
				errs = append(errs, err)
			} else {
				updates = append(updates, update)
			}
			return
		}
		for _, child := range el.ChildElements() {
			walk(child, ns)
		}
	}
	walk(root, root.NamespaceURI())
	return updates, errs
}
