package repository

import (
	"context"
	"database/sql"
	"fmt"

	"bustrack/internal/models"

	"go.uber.org/zap"
)

// CompanyRuleRepository 运营商规则仓库（company_rules / bus_companies）
type CompanyRuleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCompanyRuleRepository 创建规则仓库
func NewCompanyRuleRepository(db *sql.DB, logger *zap.Logger) *CompanyRuleRepository {
	return &CompanyRuleRepository{
		db:     db,
		logger: logger,
	}
}

// ListByCompany 查询运营商全部规则
func (r *CompanyRuleRepository) ListByCompany(ctx context.Context, companyID int64) ([]models.CompanyRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT company_id, rule_key, rule_value, enabled
		FROM company_rules
		WHERE company_id = $1
		ORDER BY rule_key
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query company rules: %w", err)
	}
	defer rows.Close()

	var rules []models.CompanyRule
	for rows.Next() {
		var rule models.CompanyRule
		if err := rows.Scan(&rule.CompanyID, &rule.RuleKey, &rule.RuleValue, &rule.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan company rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate company rules: %w", err)
	}
	return rules, nil
}

// Upsert 新增或更新规则
func (r *CompanyRuleRepository) Upsert(ctx context.Context, rule models.CompanyRule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO company_rules (company_id, rule_key, rule_value, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (company_id, rule_key)
		DO UPDATE SET rule_value = EXCLUDED.rule_value, enabled = EXCLUDED.enabled
	`, rule.CompanyID, rule.RuleKey, rule.RuleValue, rule.Enabled)
	if err != nil {
		return fmt.Errorf("failed to upsert company rule: %w", err)
	}
	return nil
}

// Delete 删除规则；不存在时返回 ErrNotFound
func (r *CompanyRuleRepository) Delete(ctx context.Context, companyID int64, ruleKey string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM company_rules WHERE company_id = $1 AND rule_key = $2`,
		companyID, ruleKey,
	)
	if err != nil {
		return fmt.Errorf("failed to delete company rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete company rule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s for company %d: %w", ruleKey, companyID, ErrNotFound)
	}
	return nil
}

// ResolveCompanyIDByName 根据运营商名称（大小写不敏感）查询ID
func (r *CompanyRuleRepository) ResolveCompanyIDByName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM bus_companies WHERE LOWER(name) = LOWER($1) LIMIT 1`,
		name,
	).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("company %s: %w", name, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to query company: %w", err)
	}
	return id, nil
}
