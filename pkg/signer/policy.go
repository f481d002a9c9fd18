package signer

import (
	"path"
	"strings"
)

// Class 文件大类
type Class string

const (
	ClassVideo     Class = "video"
	ClassAudio     Class = "audio"
	ClassDocument  Class = "document"
	ClassTablature Class = "tablature"
	ClassImage     Class = "image"
	ClassOther     Class = "other"
)

// CategoryPolicy 某个文件类别的访问策略
type CategoryPolicy struct {
	Class Class
	// AllowIPRestriction 为 false 时即使请求方要求也不附加 IP 限制
	// （文档、纯音频、曲谱常被转发给学员在其他设备上打开）
	AllowIPRestriction bool
}

// defaultCategoryPolicies 文件类别（扩展名）到访问策略的查找表，新增类别只需加一行
var defaultCategoryPolicies = map[string]CategoryPolicy{
	"mp4":  {Class: ClassVideo, AllowIPRestriction: true},
	"mov":  {Class: ClassVideo, AllowIPRestriction: true},
	"mkv":  {Class: ClassVideo, AllowIPRestriction: true},
	"webm": {Class: ClassVideo, AllowIPRestriction: true},
	"m3u8": {Class: ClassVideo, AllowIPRestriction: true},
	"ts":   {Class: ClassVideo, AllowIPRestriction: true},

	"pdf":  {Class: ClassDocument},
	"doc":  {Class: ClassDocument},
	"docx": {Class: ClassDocument},
	"ppt":  {Class: ClassDocument},
	"pptx": {Class: ClassDocument},
	"txt":  {Class: ClassDocument},

	"mp3":  {Class: ClassAudio},
	"m4a":  {Class: ClassAudio},
	"wav":  {Class: ClassAudio},
	"aac":  {Class: ClassAudio},
	"flac": {Class: ClassAudio},
	"ogg":  {Class: ClassAudio},

	"gp":  {Class: ClassTablature},
	"gp3": {Class: ClassTablature},
	"gp4": {Class: ClassTablature},
	"gp5": {Class: ClassTablature},
	"gpx": {Class: ClassTablature},
	"ptb": {Class: ClassTablature},
	"tab": {Class: ClassTablature},

	"jpg":  {Class: ClassImage, AllowIPRestriction: true},
	"jpeg": {Class: ClassImage, AllowIPRestriction: true},
	"png":  {Class: ClassImage, AllowIPRestriction: true},
	"webp": {Class: ClassImage, AllowIPRestriction: true},
}

// 表中没有的类别
var unknownCategoryPolicy = CategoryPolicy{Class: ClassOther, AllowIPRestriction: true}

// PolicyTable 类别策略表
type PolicyTable map[string]CategoryPolicy

// DefaultPolicies 返回默认策略表的副本
func DefaultPolicies() PolicyTable {
	t := make(PolicyTable, len(defaultCategoryPolicies))
	for k, v := range defaultCategoryPolicies {
		t[k] = v
	}
	return t
}

// Unrestrict 把 categories 标记为不允许 IP 限制
func (t PolicyTable) Unrestrict(categories ...string) PolicyTable {
	for _, c := range categories {
		c = normalizeCategory(c)
		if c == "" {
			continue
		}
		p, ok := t[c]
		if !ok {
			p = CategoryPolicy{Class: ClassOther}
		}
		p.AllowIPRestriction = false
		t[c] = p
	}
	return t
}

// Lookup 查找类别策略
func (t PolicyTable) Lookup(category string) CategoryPolicy {
	if p, ok := t[normalizeCategory(category)]; ok {
		return p
	}
	return unknownCategoryPolicy
}

// CategoryOf 请求未给出类别时按对象扩展名推断
func CategoryOf(objectKey, category string) string {
	if c := normalizeCategory(category); c != "" {
		return c
	}
	return normalizeCategory(path.Ext(objectKey))
}

func normalizeCategory(c string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(c)), ".")
}
