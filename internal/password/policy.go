// Package password はパスワード設定時のクライアント側ポリシー検証を提供する。
// 最終的な判定はIdP側でも再検証される。
package password

import (
	"strings"
	"unicode/utf8"
)

// MinLength はパスワードの最小文字数。
const MinLength = 8

// SpecialCharacters は記号として数える文字の集合。
const SpecialCharacters = `!@#$%^&*()_+-=[]{};':"\|,.<>/?`

// Requirement はポリシーを構成する個々の条件の名前。
type Requirement string

const (
	RequirementLength  Requirement = "length"
	RequirementUpper   Requirement = "uppercase"
	RequirementDigit   Requirement = "digit"
	RequirementSpecial Requirement = "special"
)

// Result は各条件の充足状況。フォームのチェックリスト表示にも使う。
type Result struct {
	HasLength  bool
	HasUpper   bool
	HasDigit   bool
	HasSpecial bool
}

// Check はパスワードを検証し、各条件の充足状況を返す。
// 大文字と数字はASCIIのみを対象とする。
func Check(pw string) Result {
	r := Result{
		HasLength: utf8.RuneCountInString(pw) >= MinLength,
	}
	for _, c := range pw {
		switch {
		case c >= 'A' && c <= 'Z':
			r.HasUpper = true
		case c >= '0' && c <= '9':
			r.HasDigit = true
		case strings.ContainsRune(SpecialCharacters, c):
			r.HasSpecial = true
		}
	}
	return r
}

// Valid は全条件を満たしているかどうかを返す。
func (r Result) Valid() bool {
	return r.HasLength && r.HasUpper && r.HasDigit && r.HasSpecial
}

// Missing は満たしていない条件を返す。
func (r Result) Missing() []Requirement {
	var missing []Requirement
	if !r.HasLength {
		missing = append(missing, RequirementLength)
	}
	if !r.HasUpper {
		missing = append(missing, RequirementUpper)
	}
	if !r.HasDigit {
		missing = append(missing, RequirementDigit)
	}
	if !r.HasSpecial {
		missing = append(missing, RequirementSpecial)
	}
	return missing
}
